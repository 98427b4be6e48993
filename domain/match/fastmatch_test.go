package match

import "testing"

func TestFastMatch_Eval(t *testing.T) {
	tests := []struct {
		name  string
		match FastMatch
		h     Header
		want  bool
	}{
		{
			name:  "empty predicate list matches unconditionally",
			match: FastMatch{},
			h:     Header{SourceAgent: "a1"},
			want:  true,
		},
		{
			name: "equals predicate matches",
			match: FastMatch{Predicates: []FastPredicate{
				{Field: FieldSourceAgent, Op: FastOpEquals, Value: "a1"},
			}},
			h:    Header{SourceAgent: "a1"},
			want: true,
		},
		{
			name: "equals predicate rejects mismatch",
			match: FastMatch{Predicates: []FastPredicate{
				{Field: FieldSourceAgent, Op: FastOpEquals, Value: "a1"},
			}},
			h:    Header{SourceAgent: "a2"},
			want: false,
		},
		{
			name: "in predicate matches set member",
			match: FastMatch{Predicates: []FastPredicate{
				NewInPredicate(FieldPayloadType, []string{"json", "text"}),
			}},
			h:    Header{PayloadType: "text"},
			want: true,
		},
		{
			name: "in predicate rejects non member",
			match: FastMatch{Predicates: []FastPredicate{
				NewInPredicate(FieldPayloadType, []string{"json"}),
			}},
			h:    Header{PayloadType: "text"},
			want: false,
		},
		{
			name: "greater than on risk score",
			match: FastMatch{Predicates: []FastPredicate{
				{Field: FieldRiskScore, Op: FastOpGreaterThan, Value: 0.5},
			}},
			h:    Header{RiskScore: 0.9},
			want: true,
		},
		{
			name: "conjunction of two predicates",
			match: FastMatch{Predicates: []FastPredicate{
				{Field: FieldSourceAgent, Op: FastOpEquals, Value: "a1"},
				{Field: FieldRiskScore, Op: FastOpLessThan, Value: 0.5},
			}},
			h:    Header{SourceAgent: "a1", RiskScore: 0.1},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.match.Eval(tt.h); got != tt.want {
				t.Errorf("Eval() = %v, want %v", got, tt.want)
			}
		})
	}
}

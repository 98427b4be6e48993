package identity

import "testing"

func TestScope_IsGlobal(t *testing.T) {
	if !(Scope{}).IsGlobal() {
		t.Errorf("zero-value scope should be global")
	}
	s := NewScope([]AgentId{"a1"}, nil, nil, nil, nil)
	if s.IsGlobal() {
		t.Errorf("scope with a source agent set should not be global")
	}
}

func TestScope_Matches(t *testing.T) {
	tests := []struct {
		name  string
		scope Scope
		attrs EventAttributes
		want  bool
	}{
		{
			name:  "global scope matches anything",
			scope: Scope{},
			attrs: EventAttributes{SourceAgent: "a1", DestAgent: "a2", Flow: "f1", PayloadType: "text"},
			want:  true,
		},
		{
			name:  "source agent in set",
			scope: NewScope([]AgentId{"a1", "a2"}, nil, nil, nil, nil),
			attrs: EventAttributes{SourceAgent: "a2"},
			want:  true,
		},
		{
			name:  "source agent not in set",
			scope: NewScope([]AgentId{"a1"}, nil, nil, nil, nil),
			attrs: EventAttributes{SourceAgent: "a2"},
			want:  false,
		},
		{
			name:  "payload type mismatch",
			scope: NewScope(nil, nil, nil, []string{"json"}, nil),
			attrs: EventAttributes{PayloadType: "text"},
			want:  false,
		},
		{
			name:  "conjunction across dimensions",
			scope: NewScope([]AgentId{"a1"}, nil, []FlowId{"f1"}, nil, nil),
			attrs: EventAttributes{SourceAgent: "a1", Flow: "f2"},
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.scope.Matches(tt.attrs); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScope_Overlaps(t *testing.T) {
	tests := []struct {
		name string
		a, b Scope
		want bool
	}{
		{
			name: "both global always overlap",
			a:    Scope{},
			b:    Scope{},
			want: true,
		},
		{
			name: "global overlaps any specific scope",
			a:    Scope{},
			b:    NewScope([]AgentId{"a1"}, nil, nil, nil, nil),
			want: true,
		},
		{
			name: "disjoint agent sets do not overlap",
			a:    NewScope([]AgentId{"a1"}, nil, nil, nil, nil),
			b:    NewScope([]AgentId{"a2"}, nil, nil, nil, nil),
			want: false,
		},
		{
			name: "shared agent overlaps",
			a:    NewScope([]AgentId{"a1", "a2"}, nil, nil, nil, nil),
			b:    NewScope([]AgentId{"a2", "a3"}, nil, nil, nil, nil),
			want: true,
		},
		{
			name: "agents overlap but payload types disjoint",
			a:    NewScope([]AgentId{"a1"}, nil, nil, []string{"json"}, nil),
			b:    NewScope([]AgentId{"a1"}, nil, nil, []string{"text"}, nil),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Overlaps(tt.b); got != tt.want {
				t.Errorf("Overlaps() = %v, want %v", got, tt.want)
			}
			if got := tt.b.Overlaps(tt.a); got != tt.want {
				t.Errorf("Overlaps() symmetric case = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLayer_Ordering(t *testing.T) {
	if !LayerSystem.Before(LayerEgress) {
		t.Errorf("LayerSystem should precede LayerEgress")
	}
	if LayerEgress.Before(LayerSystem) {
		t.Errorf("LayerEgress should not precede LayerSystem")
	}
	for l := LayerSystem; l <= LayerEgress; l++ {
		if !l.Valid() {
			t.Errorf("layer %d should be valid", l)
		}
	}
	if Layer(99).Valid() {
		t.Errorf("layer 99 should not be valid")
	}
}

func TestSecondaryKeyFor(t *testing.T) {
	if SecondaryKeyFor(FamilyToolGateway) != SecondaryKeyTool {
		t.Errorf("tool gateway family should index on Tool")
	}
	if SecondaryKeyFor("unknown-family") != SecondaryKeyNone {
		t.Errorf("unknown family should default to SecondaryKeyNone")
	}
	if !IsKnownFamily(FamilyRAGSource) {
		t.Errorf("rag-source should be a known family")
	}
	if IsKnownFamily("made-up") {
		t.Errorf("made-up should not be a known family")
	}
}

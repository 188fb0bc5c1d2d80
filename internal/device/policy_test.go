package device

import "testing"

func TestParseCoreGroupPolicy(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want []GroupSpec
	}{
		{"four singles", "1,1,1,1", []GroupSpec{{1, 1}, {1, 1}, {1, 1}, {1, 1}}},
		{"two pairs", "2,2", []GroupSpec{{2, 1}, {2, 1}}},
		{"bracketed", "[2,2]", []GroupSpec{{2, 1}, {2, 1}}},
		{"duplication", "2x1", []GroupSpec{{1, 2}}},
		{"mixed", "4x1,2", []GroupSpec{{1, 4}, {2, 1}}},
		{"spaces", " 2 , 1 ", []GroupSpec{{2, 1}, {1, 1}}},
		{"empty segment", "2,,1", []GroupSpec{{2, 1}, {1, 1}}},
		{"zero cores allowed", "0", []GroupSpec{{0, 1}}},
		{"garbage", "abc", nil},
		{"oversized", "65", nil},
		{"zero multiplicity", "0x2", nil},
		{"negative", "-1", nil},
		{"missing size after x", "2x", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := parseCoreGroupPolicy(tc.raw)
			if len(got) != len(tc.want) {
				t.Fatalf("parseCoreGroupPolicy(%q) = %v, want %v", tc.raw, got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("group %d: got %v, want %v", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestDefaultPolicy(t *testing.T) {
	if got := defaultPolicy(1, 1); len(got) != 4 || got[0] != (GroupSpec{1, 1}) {
		t.Errorf("opt=1: got %v", got)
	}
	if got := defaultPolicy(2, 1); len(got) != 2 || got[0] != (GroupSpec{2, 1}) {
		t.Errorf("opt=2 dup=1: got %v", got)
	}
	if got := defaultPolicy(2, 2); len(got) != 2 || got[0] != (GroupSpec{1, 2}) {
		t.Errorf("opt=2 dup=2: got %v", got)
	}
	if got := defaultPolicy(-1, 1); len(got) != 1 || got[0] != (GroupSpec{0, 1}) {
		t.Errorf("opt invalid: got %v", got)
	}
	if got := defaultPolicy(8, 1); len(got) != 1 || got[0] != (GroupSpec{8, 1}) {
		t.Errorf("opt=8: got %v", got)
	}
}

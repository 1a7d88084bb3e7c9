package index

import (
	"reflect"
	"testing"
)

func TestResolveIndices(t *testing.T) {
	cases := []struct {
		name    string
		dataset string
		prefix  bool
		in      []string
		want    []string
	}{
		{"default addresses whole dataset", "testset", true, nil, []string{"testset-*"}},
		{"patterns get prefixed", "testset", true, []string{"apache", "audit"}, []string{"testset-apache", "testset-audit"}},
		{"prefix disabled passes through", "testset", false, []string{"apache"}, []string{"apache"}},
		{"prefix disabled default", "testset", false, nil, []string{"*"}},
		{"empty dataset name", "", true, []string{"apache"}, []string{"apache"}},
	}
	for _, tc := range cases {
		got := ResolveIndices(tc.dataset, tc.prefix, tc.in)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestExcludeIndices(t *testing.T) {
	got := ExcludeIndices("testset", true, []string{"apache", "pcap"})
	want := []string{"-testset-apache", "-testset-pcap"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	got = ExcludeIndices("testset", false, []string{"apache"})
	want = []string{"-apache"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	if out := ExcludeIndices("testset", true, nil); len(out) != 0 {
		t.Errorf("nil input should yield no patterns, got %v", out)
	}
}

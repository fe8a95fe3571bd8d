package storagebroker

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormat(t *testing.T) {
	scheme := "smb"
	errMsg := "unexpected error"

	e := Error{
		Scheme: scheme,
		Detail: errors.New(errMsg),
	}

	exp := fmt.Sprintf("%s: %s", scheme, errMsg)

	if e.Error() != exp {
		t.Errorf("expected: %s, got: %s", exp, e.Error())
	}

	b, err := json.Marshal(&e)
	if err != nil {
		t.Fatal(err)
	}
	expJSON := `{"scheme":"smb","detail":"unexpected error"}`
	if gotJSON := string(b); gotJSON != expJSON {
		t.Fatalf("expected JSON: %s,\n got: %s", expJSON, gotJSON)
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := KeyNotFoundError{Key: "manifest.json", Scheme: "azure"}
	e := Error{Scheme: "azure", Detail: inner}

	if !IsKeyNotFound(e) {
		t.Errorf("expected wrapped KeyNotFoundError to be detected")
	}

	var knf KeyNotFoundError
	if !errors.As(e, &knf) {
		t.Fatalf("errors.As failed on wrapped KeyNotFoundError")
	}
	if knf.Key != "manifest.json" {
		t.Errorf("unexpected key: %s", knf.Key)
	}
}

func TestErrors(t *testing.T) {
	t.Parallel()
	scheme := "smb"

	testCases := []struct {
		name    string
		errs    Errors
		exp     string
		expJSON string
	}{
		{
			name:    "no details",
			errs:    Errors{Scheme: scheme},
			exp:     fmt.Sprintf("%s: <nil>", scheme),
			expJSON: `{"scheme":"smb","details":[]}`,
		},
		{
			name:    "single detail",
			errs:    Errors{Scheme: scheme, Errs: []error{errors.New("err msg")}},
			exp:     fmt.Sprintf("%s: err msg", scheme),
			expJSON: `{"scheme":"smb","details":["err msg"]}`,
		},
		{
			name:    "multiple details",
			errs:    Errors{Scheme: scheme, Errs: []error{errors.New("err msg1"), errors.New("err msg2")}},
			exp:     fmt.Sprintf("%s: errors:\nerr msg1\nerr msg2\n", scheme),
			expJSON: `{"scheme":"smb","details":["err msg1","err msg2"]}`,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.errs.Error(); got != tc.exp {
				t.Errorf("got error: %s, expected: %s", got, tc.exp)
			}
			b, err := json.Marshal(&tc.errs)
			if err != nil {
				t.Fatal(err)
			}
			if gotJSON := string(b); gotJSON != tc.expJSON {
				t.Errorf("expected JSON: %s,\n got: %s", tc.expJSON, gotJSON)
			}
		})
	}
}

func TestItemIdentifier(t *testing.T) {
	// Fixed vectors: identifiers are bare SHA-1 hexdigests of the handle.
	testCases := []struct {
		handle string
		exp    string
	}{
		{"abc", "a9993e364706816aba3e25717850c26c9cd0d89d"},
		{"", "da39a3ee5e6b4b0d3255bfef95601890afd80709"},
	}
	for _, tc := range testCases {
		if got := ItemIdentifier(tc.handle); got != tc.exp {
			t.Errorf("ItemIdentifier(%q) = %s, expected %s", tc.handle, got, tc.exp)
		}
	}
}

func TestLayoutKeys(t *testing.T) {
	l := Layout{
		DataPrefix:        "data/",
		FragmentsPrefix:   "_dtool/tmp_fragments/",
		OverlaysPrefix:    "_dtool/overlays/",
		AnnotationsPrefix: "_dtool/annotations/",
		TagsPrefix:        "_dtool/tags/",
	}

	if got := l.OverlayKey("microscopy"); got != "_dtool/overlays/microscopy.json" {
		t.Errorf("unexpected overlay key: %s", got)
	}
	if got := l.AnnotationKey("project"); got != "_dtool/annotations/project.json" {
		t.Errorf("unexpected annotation key: %s", got)
	}
	if got := l.TagKey("testing"); got != "_dtool/tags/testing" {
		t.Errorf("unexpected tag key: %s", got)
	}
	if got := l.ItemKey("subdir/file.txt"); got != "data/subdir/file.txt" {
		t.Errorf("unexpected item key: %s", got)
	}

	exp := "_dtool/tmp_fragments/a9993e364706816aba3e25717850c26c9cd0d89d.color.json"
	if got := l.FragmentKey("abc", "color"); got != exp {
		t.Errorf("unexpected fragment key: %s", got)
	}
}

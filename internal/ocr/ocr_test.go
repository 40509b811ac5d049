package ocr

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/joseph-ayodele/takeoff-tracker/internal/common"
)

type fakeRunner struct {
	pdftotext string
	tesseract string
	failOCR   bool
	calls     []string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.calls = append(f.calls, name)
	switch name {
	case "pdfinfo":
		return []byte("Title:          A2.1\nPages:          7\nEncrypted:      no\n"), nil, nil
	case "pdftotext":
		return []byte(f.pdftotext), nil, nil
	case "pdftoppm":
		if f.failOCR {
			return nil, []byte("boom"), errors.New("exit status 1")
		}
		prefix := args[len(args)-1]
		if err := os.WriteFile(prefix+".png", []byte("png"), 0o644); err != nil {
			return nil, nil, err
		}
		return nil, nil, nil
	case "tesseract":
		return []byte(f.tesseract), nil, nil
	}
	return nil, nil, errors.New("unexpected command " + name)
}

func (f *fakeRunner) called(name string) bool {
	for _, c := range f.calls {
		if c == name {
			return true
		}
	}
	return false
}

func TestPageCount(t *testing.T) {
	e := NewExtractor(Config{}, nil, WithRunner(&fakeRunner{}))
	n, err := e.PageCount(context.Background(), "plan.pdf")
	if err != nil {
		t.Fatalf("PageCount: %v", err)
	}
	if n != 7 {
		t.Fatalf("PageCount = %d, want 7", n)
	}
}

func TestPageTextUsesEmbeddedText(t *testing.T) {
	r := &fakeRunner{pdftotext: "SIGN SCHEDULE\nD7   ROOM IDENTIFICATION SIGN   12\n\f"}
	e := NewExtractor(Config{MinChars: 10}, nil, WithRunner(r))
	pt, err := e.PageText(context.Background(), "plan.pdf", 1)
	if err != nil {
		t.Fatalf("PageText: %v", err)
	}
	if pt.UsedOCR || r.called("tesseract") {
		t.Fatal("expected embedded text without OCR")
	}
	if !strings.Contains(pt.Text, "D7   ROOM IDENTIFICATION SIGN") {
		t.Fatalf("column gaps not preserved: %q", pt.Text)
	}
}

func TestPageTextFallsBackToOCRBelowMinChars(t *testing.T) {
	r := &fakeRunner{pdftotext: "  \n", tesseract: "D7 TYP\nROOM 101"}
	e := NewExtractor(Config{MinChars: 40}, nil, WithRunner(r))
	pt, err := e.PageText(context.Background(), "scan.pdf", 3)
	if err != nil {
		t.Fatalf("PageText: %v", err)
	}
	if !pt.UsedOCR || pt.Method != "pdf-ocr" {
		t.Fatalf("expected OCR result, got %+v", pt)
	}
	if pt.Text != "D7 TYP\nROOM 101" {
		t.Fatalf("unexpected OCR text %q", pt.Text)
	}
}

func TestPageTextKeepsThinTextWhenOCRFails(t *testing.T) {
	r := &fakeRunner{pdftotext: "D7", failOCR: true}
	e := NewExtractor(Config{MinChars: 40}, nil, WithRunner(r))
	pt, err := e.PageText(context.Background(), "scan.pdf", 1)
	if err != nil {
		t.Fatalf("PageText: %v", err)
	}
	if pt.UsedOCR || pt.Text != "D7" {
		t.Fatalf("unexpected result %+v", pt)
	}
}

func TestPageTextRejectsBadPage(t *testing.T) {
	e := NewExtractor(Config{}, nil, WithRunner(&fakeRunner{}))
	if _, err := e.PageText(context.Background(), "plan.pdf", 0); !errors.Is(err, common.ErrInput) {
		t.Fatalf("expected ErrInput, got %v", err)
	}
}

func TestNormalizeKeepsColumns(t *testing.T) {
	in := "TYPE\tDESCRIPTION\r\n-----\r\nA1    EXIT SIGN   \r\n\r\n\r\n\r\nB2  ROOM SIGN"
	got := Normalize(in)
	want := "TYPE  DESCRIPTION\n\nA1    EXIT SIGN\n\nB2  ROOM SIGN"
	if got != want {
		t.Fatalf("Normalize = %q, want %q", got, want)
	}
}

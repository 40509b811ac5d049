package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/joseph-ayodele/takeoff-tracker/constants"
	"github.com/joseph-ayodele/takeoff-tracker/internal/common"
	"github.com/joseph-ayodele/takeoff-tracker/internal/entity"
	"github.com/joseph-ayodele/takeoff-tracker/internal/llm"
	"github.com/joseph-ayodele/takeoff-tracker/internal/scoring"
	"github.com/joseph-ayodele/takeoff-tracker/internal/testsupport"
)

func request(t *testing.T, pages *testsupport.FakePages) (Request, entity.DocumentScore) {
	t.Helper()
	prof, err := scoring.Profile(constants.TradeSignage)
	if err != nil {
		t.Fatal(err)
	}
	rel := "A2.1 Floor Plan.pdf"
	d := entity.DocumentScore{
		Document: entity.DocumentInfo{ID: entity.DocumentID(rel), Path: "/bid/" + rel, RelPath: rel, Filename: rel},
		Score:    55,
		Priority: constants.PriorityMedium,
	}
	pages.Add(d.Document.Path, "FLOOR PLAN", "SIGN TYPES: A1 ROOM ID, A2 RESTROOM")
	return Request{RunID: "run-1", Profile: prof, Documents: []entity.DocumentScore{d}}, d
}

const finalReply = `{"action":"final","confidence":0.8,"entries":[
 {"code":"a1","description":"Room ID sign","quantity":14,"unit":"EA","confidence":0.9},
 {"code":"A2","description":"Restroom sign","quantity":4,"confidence":0.6},
 {"code":"","description":"Exterior monument","confidence":0.4}
]}`

func TestExtractToolLoopThenFinal(t *testing.T) {
	pages := testsupport.NewFakePages()
	req, d := request(t, pages)
	fake := &testsupport.FakeCompleter{
		Replies: []string{
			`{"action":"list_documents"}`,
			`{"action":"get_page_text","document_id":"` + d.Document.ID.String() + `","page":2}`,
			finalReply,
		},
		Usage: llm.Usage{PromptTokens: 100, CompletionTokens: 20},
	}

	res, err := New(fake, pages, nil, WithPricing(llm.Pricing{PromptPer1K: 1, OutputPer1K: 1})).Extract(context.Background(), req)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Iterations != 3 || len(res.Entries) != 3 {
		t.Fatalf("iterations=%d entries=%d", res.Iterations, len(res.Entries))
	}
	if res.Usage.Total() != 360 || res.CostUSD < 0.3599 || res.CostUSD > 0.3601 {
		t.Fatalf("accounting usage=%+v cost=%f", res.Usage, res.CostUSD)
	}
	if res.Confidence != 0.8 {
		t.Fatalf("confidence = %v", res.Confidence)
	}

	if res.Entries[0].Code != "A1" || res.Entries[0].NeedsReview {
		t.Fatalf("entry 0: %+v", res.Entries[0])
	}
	if !res.Entries[1].NeedsReview || !res.Entries[2].NeedsReview {
		t.Fatalf("entries below 0.70 must be flagged, got %+v", res.Entries)
	}
	if res.Entries[2].Code != "" {
		t.Fatalf("empty code must stay empty: %+v", res.Entries[2])
	}

	var third map[string]any
	if err := testsupport.PayloadOf(fake.Requests[2], &third); err != nil {
		t.Fatal(err)
	}
	if text, _ := third["text"].(string); !strings.Contains(text, "SIGN TYPES") {
		t.Fatalf("page text not returned to the model: %+v", third)
	}
	if got := len(fake.Requests[2].History); got != 4 {
		t.Fatalf("expected 4 prior messages, got %d", got)
	}
}

func TestExtractToolErrorsAreFedBack(t *testing.T) {
	pages := testsupport.NewFakePages()
	req, d := request(t, pages)
	fake := &testsupport.FakeCompleter{Replies: []string{
		`{"action":"get_page_text","document_id":"nope","page":1}`,
		`{"action":"get_page_text","document_id":"` + d.Document.ID.String() + `","page":9}`,
		`{"action":"get_page_image","document_id":"` + d.Document.ID.String() + `","page":1}`,
		finalReply,
	}}
	res, err := New(fake, pages, nil).Extract(context.Background(), req)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if res.Iterations != 4 {
		t.Fatalf("iterations = %d", res.Iterations)
	}
	for i := 1; i <= 3; i++ {
		var p map[string]any
		if err := testsupport.PayloadOf(fake.Requests[i], &p); err != nil {
			t.Fatal(err)
		}
		if _, ok := p["error"]; !ok {
			t.Fatalf("request %d should carry a tool error: %+v", i, p)
		}
	}
}

type pngRenderer struct{ dir string }

func (r pngRenderer) RenderPage(_ context.Context, _ string, page int) (string, func(), error) {
	p := filepath.Join(r.dir, "page.png")
	if err := os.WriteFile(p, []byte("\x89PNG\r\n\x1a\n"), 0o644); err != nil {
		return "", nil, err
	}
	return p, func() { _ = os.Remove(p) }, nil
}

func TestExtractAttachesPageImage(t *testing.T) {
	pages := testsupport.NewFakePages()
	req, d := request(t, pages)
	fake := &testsupport.FakeCompleter{Replies: []string{
		`{"action":"get_page_image","document_id":"` + d.Document.ID.String() + `","page":1}`,
		finalReply,
	}}
	dir := t.TempDir()
	if _, err := New(fake, pages, nil, WithRenderer(pngRenderer{dir: dir})).Extract(context.Background(), req); err != nil {
		t.Fatalf("Extract: %v", err)
	}
	hist := fake.Requests[1].History
	last := hist[len(hist)-1]
	if !strings.HasPrefix(last.ImageDataURL, "data:image/png;base64,") {
		t.Fatalf("image not attached: %+v", last)
	}
	if _, err := os.Stat(filepath.Join(dir, "page.png")); !os.IsNotExist(err) {
		t.Fatalf("rendered image should be cleaned up")
	}
}

func TestExtractIterationCeiling(t *testing.T) {
	pages := testsupport.NewFakePages()
	req, _ := request(t, pages)
	fake := &testsupport.FakeCompleter{Respond: func(llm.Request) (string, error) {
		return `{"action":"list_documents"}`, nil
	}}
	res, err := New(fake, pages, nil, WithMaxIterations(3)).Extract(context.Background(), req)
	if !errors.Is(err, ErrIterationsExhausted) {
		t.Fatalf("expected ErrIterationsExhausted, got %v", err)
	}
	if res.Iterations != 3 || fake.Calls() != 3 {
		t.Fatalf("iterations=%d calls=%d", res.Iterations, fake.Calls())
	}
	var last map[string]any
	if err := testsupport.PayloadOf(fake.Requests[2], &last); err != nil {
		t.Fatal(err)
	}
	if _, ok := last["instruction"]; !ok {
		t.Fatalf("last turn should ask for a final answer: %+v", last)
	}
}

func TestExtractMalformedTurnIsFatal(t *testing.T) {
	pages := testsupport.NewFakePages()
	req, _ := request(t, pages)
	fake := &testsupport.FakeCompleter{Replies: []string{`{"action":"dance"}`}}
	_, err := New(fake, pages, nil).Extract(context.Background(), req)
	if !errors.Is(err, common.ErrMalformedResponse) {
		t.Fatalf("expected ErrMalformedResponse, got %v", err)
	}
}

type blockingCompleter struct{}

func (blockingCompleter) Complete(ctx context.Context, _ llm.Request) (llm.Completion, error) {
	<-ctx.Done()
	return llm.Completion{}, ctx.Err()
}

func TestExtractWallClockCeiling(t *testing.T) {
	pages := testsupport.NewFakePages()
	req, _ := request(t, pages)
	start := time.Now()
	_, err := New(blockingCompleter{}, pages, nil, WithMaxDuration(30*time.Millisecond)).Extract(context.Background(), req)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("wall-clock ceiling not enforced")
	}
}

package printing

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"labelrunner/internal/kv"
	"labelrunner/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// samplePDF builds a minimal well-formed PDF with the given number of blank
// pages, computing xref offsets as it writes.
func samplePDF(pages int) []byte {
	var b bytes.Buffer
	var offsets []int

	obj := func(body string) {
		offsets = append(offsets, b.Len())
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	b.WriteString("%PDF-1.4\n")
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	kids := ""
	for i := 0; i < pages; i++ {
		kids += fmt.Sprintf("%d 0 R ", i+3)
	}
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids, pages))
	for i := 0; i < pages; i++ {
		obj("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 288 432] >>")
	}

	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n", len(offsets)+1)
	b.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return b.Bytes()
}

type mapFetcher map[string][]byte

func (m mapFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	if d, ok := m[url]; ok {
		return d, nil
	}
	return nil, errors.New("404")
}

type recordingMerger struct {
	inputs [][]byte
}

func (m *recordingMerger) Merge(docs [][]byte) ([]byte, error) {
	m.inputs = docs
	return bytes.Join(docs, nil), nil
}

type recordingRenderer struct {
	mu         sync.Mutex
	rendered   []byte
	labelsSeen int
	disposed   bool
	q          *queue.Queue
}

func (r *recordingRenderer) Render(ctx context.Context, pdf []byte) (func(context.Context) error, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rendered = pdf
	r.labelsSeen = len(r.q.Labels(ctx))
	return func(context.Context) error {
		r.mu.Lock()
		r.disposed = true
		r.mu.Unlock()
		return nil
	}, nil
}

func newQueue() *queue.Queue {
	return queue.New(kv.New(kv.NewMemoryBackend(), zap.NewNop()), queue.DefaultPolicy(), zap.NewNop())
}

func TestPageCount(t *testing.T) {
	n, err := PageCount(samplePDF(2))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = PageCount([]byte("<html>login</html>"))
	assert.Error(t, err)
}

func TestPDFMerger_KeepsAllPagesInOrder(t *testing.T) {
	m := NewPDFMerger()
	out, err := m.Merge([][]byte{samplePDF(2), samplePDF(1), samplePDF(3)})
	require.NoError(t, err)

	n, err := PageCount(out)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	single := samplePDF(2)
	out, err = m.Merge([][]byte{single})
	require.NoError(t, err)
	assert.Equal(t, single, out)

	_, err = m.Merge(nil)
	assert.ErrorIs(t, err, ErrNoDocuments)
}

func TestPrintAllMerged_PartialFailure(t *testing.T) {
	ctx := context.Background()
	q := newQueue()
	q.AppendLabel(ctx, queue.Label{OrderID: "A", URL: "https://x/a.pdf"})
	q.AppendLabel(ctx, queue.Label{OrderID: "B", URL: "https://x/b.pdf"})

	docA := samplePDF(2)
	merger := &recordingMerger{}
	renderer := &recordingRenderer{q: q}
	a := NewAssembler(q, mapFetcher{"https://x/a.pdf": docA}, merger, renderer, Config{}, zap.NewNop())

	out, err := a.PrintAllMerged(ctx)
	require.NoError(t, err)

	assert.Equal(t, [][]byte{docA}, merger.inputs)
	assert.Equal(t, 2, out.Pages)
	require.Len(t, out.Printed, 1)
	assert.Equal(t, "A", out.Printed[0].OrderID)
	require.Len(t, out.Failed, 1)
	assert.Equal(t, "B", out.Failed[0].Label.OrderID)

	assert.Equal(t, 2, renderer.labelsSeen, "labels stay queued until rendering started")
	assert.True(t, renderer.disposed)
	assert.Empty(t, q.Labels(ctx))
}

func TestPrintAllMerged_NothingFetchedKeepsQueue(t *testing.T) {
	ctx := context.Background()
	q := newQueue()
	q.AppendLabel(ctx, queue.Label{OrderID: "A", URL: "https://x/a.pdf"})
	q.AppendLabel(ctx, queue.Label{OrderID: "B", URL: "https://x/b.pdf"})

	renderer := &recordingRenderer{q: q}
	a := NewAssembler(q, mapFetcher{"https://x/b.pdf": []byte("not a pdf")}, &recordingMerger{}, renderer, Config{}, zap.NewNop())

	out, err := a.PrintAllMerged(ctx)
	assert.ErrorIs(t, err, ErrNoDocuments)
	assert.Len(t, out.Failed, 2)
	assert.Nil(t, renderer.rendered)
	assert.Len(t, q.Labels(ctx), 2)
}

func TestPrintAllMerged_EmptyQueue(t *testing.T) {
	a := NewAssembler(newQueue(), mapFetcher{}, &recordingMerger{}, &recordingRenderer{}, Config{}, zap.NewNop())
	_, err := a.PrintAllMerged(context.Background())
	assert.ErrorIs(t, err, ErrNothingToPrint)
}

func TestPrintAllMerged_KeepsLabelsCapturedDuringGrace(t *testing.T) {
	ctx := context.Background()
	q := newQueue()
	q.AppendLabel(ctx, queue.Label{OrderID: "A", URL: "https://x/a.pdf"})

	a := NewAssembler(q, mapFetcher{"https://x/a.pdf": samplePDF(1)}, &recordingMerger{}, &recordingRenderer{q: q},
		Config{GraceDelay: time.Second}, zap.NewNop())
	var slept time.Duration
	a.sleep = func(_ context.Context, d time.Duration) {
		slept = d
		q.AppendLabel(ctx, queue.Label{OrderID: "late", URL: "https://x/late.pdf"})
	}

	_, err := a.PrintAllMerged(ctx)
	require.NoError(t, err)
	assert.Equal(t, time.Second, slept)

	labels := q.Labels(ctx)
	require.Len(t, labels, 1)
	assert.Equal(t, "late", labels[0].OrderID)
}

func TestHTTPFetcher(t *testing.T) {
	doc := samplePDF(1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.pdf":
			w.Header().Set("Content-Type", "application/pdf")
			w.Write(doc)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := &HTTPFetcher{Client: srv.Client(), Timeout: time.Second}
	got, err := f.Fetch(context.Background(), srv.URL+"/ok.pdf")
	require.NoError(t, err)
	assert.Equal(t, doc, got)

	_, err = f.Fetch(context.Background(), srv.URL+"/missing.pdf")
	assert.ErrorContains(t, err, "404")
}

func TestPrintAllMerged_InlineDataLabel(t *testing.T) {
	ctx := context.Background()
	q := newQueue()
	doc := samplePDF(1)
	inline := "data:application/pdf;base64," + base64.StdEncoding.EncodeToString(doc)
	q.AppendLabel(ctx, queue.Label{OrderID: "A", URL: inline})

	merger := &recordingMerger{}
	a := NewAssembler(q, &HTTPFetcher{Timeout: time.Second}, merger, &recordingRenderer{q: q}, Config{}, zap.NewNop())

	out, err := a.PrintAllMerged(ctx)
	require.NoError(t, err)
	assert.Empty(t, out.Failed)
	require.Len(t, out.Printed, 1)
	assert.Equal(t, [][]byte{doc}, merger.inputs)
	assert.Equal(t, 1, out.Pages)
	assert.Empty(t, q.Labels(ctx))
}

func TestDecodeDataURL(t *testing.T) {
	doc := samplePDF(1)

	got, err := DecodeDataURL("data:application/pdf;base64," + base64.StdEncoding.EncodeToString(doc))
	require.NoError(t, err)
	assert.Equal(t, doc, got)

	got, err = DecodeDataURL("DATA:application/pdf;name=label.pdf;base64," + base64.RawStdEncoding.EncodeToString(doc))
	require.NoError(t, err)
	assert.Equal(t, doc, got)

	got, err = DecodeDataURL("data:application/pdf,%25PDF-1.4%0A")
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.4\n"), got)

	_, err = DecodeDataURL("data:application/pdf;base64")
	assert.ErrorContains(t, err, "missing comma")
	_, err = DecodeDataURL("data:application/pdf;base64,!!!")
	assert.Error(t, err)
	_, err = DecodeDataURL("https://x/a.pdf")
	assert.Error(t, err)
}

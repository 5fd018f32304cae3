package printing

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// PageCount parses data as a PDF and returns its number of pages.
func PageCount(data []byte) (int, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("not a pdf: %w", err)
	}
	n := r.NumPage()
	if n == 0 {
		return 0, fmt.Errorf("pdf has no pages")
	}
	return n, nil
}

var disableConfigDir sync.Once

// PDFMerger concatenates documents with pdfcpu, keeping every page of each
// input in input order.
type PDFMerger struct {
	conf *model.Configuration
}

// NewPDFMerger creates a merger with relaxed validation, since label PDFs
// from shipping carriers are often slightly malformed.
func NewPDFMerger() *PDFMerger {
	disableConfigDir.Do(api.DisableConfigDir)
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &PDFMerger{conf: conf}
}

// Merge implements Merger.
func (m *PDFMerger) Merge(docs [][]byte) ([]byte, error) {
	switch len(docs) {
	case 0:
		return nil, ErrNoDocuments
	case 1:
		return docs[0], nil
	}

	readers := make([]io.ReadSeeker, len(docs))
	for i, d := range docs {
		readers[i] = bytes.NewReader(d)
	}
	var out bytes.Buffer
	if err := api.MergeRaw(readers, &out, false, m.conf); err != nil {
		return nil, fmt.Errorf("merge %d documents: %w", len(docs), err)
	}
	return out.Bytes(), nil
}

package lots

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Columns of the exchange F&O master file. The file has no header row.
const (
	colLotSize    = 3
	colUnderlying = 9
	minColumns    = 10
)

// Provider answers lot-size lookups by underlying symbol.
type Provider interface {
	LotSize(underlying string) (int, bool)
}

// Table is a Provider backed by the exchange master CSV, refreshed from the
// public download when the local copy is missing or stale.
type Table struct {
	mu    sync.RWMutex
	sizes map[string]int

	path   string
	url    string
	maxAge time.Duration
	http   *http.Client
}

// NewTable creates an empty table. Call Refresh before serving lookups.
func NewTable(path, url string, maxAge time.Duration) *Table {
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &Table{
		sizes:  make(map[string]int),
		path:   path,
		url:    url,
		maxAge: maxAge,
		http:   &http.Client{Timeout: 60 * time.Second},
	}
}

// LotSize returns the lot size for an underlying, if known.
func (t *Table) LotSize(underlying string) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	size, ok := t.sizes[strings.ToUpper(underlying)]
	return size, ok
}

// Len reports how many underlyings are loaded.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sizes)
}

// Refresh downloads the master file if the local copy is absent or older
// than maxAge, then loads it. A failed download with a usable local copy
// degrades to the stale copy.
func (t *Table) Refresh(ctx context.Context) error {
	if t.needsDownload() {
		if err := t.download(ctx); err != nil {
			if _, statErr := os.Stat(t.path); statErr != nil {
				return fmt.Errorf("lot master download failed and no local copy: %w", err)
			}
			log.Warn().Err(err).Str("path", t.path).Msg("Lot master download failed, using stale local copy")
		}
	}
	return t.loadFile()
}

func (t *Table) needsDownload() bool {
	info, err := os.Stat(t.path)
	if err != nil {
		return true
	}
	return time.Since(info.ModTime()) > t.maxAge
}

func (t *Table) download(ctx context.Context) error {
	if t.url == "" {
		return fmt.Errorf("no download URL configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return err
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d fetching lot master", resp.StatusCode)
	}

	out, err := os.Create(t.path)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return err
	}

	log.Info().Str("path", t.path).Msg("Lot master downloaded")
	return nil
}

func (t *Table) loadFile() error {
	f, err := os.Open(t.path)
	if err != nil {
		return fmt.Errorf("open lot master: %w", err)
	}
	defer f.Close()

	sizes, err := Parse(f)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.sizes = sizes
	t.mu.Unlock()

	log.Info().Int("underlyings", len(sizes)).Msg("Lot sizes loaded")
	return nil
}

// Parse reads the master CSV and returns lot sizes keyed by underlying.
// Rows that are short or carry a non-numeric lot size are skipped; the
// master file mixes contract rows with metadata rows.
func Parse(r io.Reader) (map[string]int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	sizes := make(map[string]int)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read lot master: %w", err)
		}
		if len(record) < minColumns {
			continue
		}

		size, err := strconv.Atoi(strings.TrimSpace(record[colLotSize]))
		if err != nil || size <= 0 {
			continue
		}
		underlying := strings.ToUpper(strings.TrimSpace(record[colUnderlying]))
		if underlying == "" {
			continue
		}
		sizes[underlying] = size
	}
	return sizes, nil
}

// Lookup resolves a lot size from the provider, falling back to the given
// hint when the provider has no entry for the underlying.
func Lookup(p Provider, underlying string, hint int) int {
	if p != nil {
		if size, ok := p.LotSize(underlying); ok {
			return size
		}
	}
	return hint
}

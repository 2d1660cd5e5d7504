package loaders

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/dshills/crawltab/pkg/types"
)

type blobOptions struct {
	Name     string `mapstructure:"name"`
	MaxBytes string `mapstructure:"max_bytes"`
}

// newBlob stores the raw file content as a bytes attribute
func newBlob(raw map[string]any) (parseFunc, error) {
	opts := blobOptions{Name: "blob"}
	if err := decodeOptions(raw, &opts); err != nil {
		return nil, err
	}
	var limit int64
	if opts.MaxBytes != "" {
		n, err := humanize.ParseBytes(opts.MaxBytes)
		if err != nil {
			return nil, fmt.Errorf("max_bytes: %w", err)
		}
		limit = int64(n)
	}
	return func(ctx context.Context, path string) ([]types.Record, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		var r io.Reader = f
		if limit > 0 {
			r = io.LimitReader(f, limit+1)
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		if limit > 0 && int64(len(data)) > limit {
			return nil, fmt.Errorf("file exceeds max_bytes %s", humanize.IBytes(uint64(limit)))
		}
		return []types.Record{{opts.Name: types.Bytes(data)}}, nil
	}, nil
}

type pathOptions struct {
	Name       string `mapstructure:"name"`
	RelativeTo string `mapstructure:"relative_to"`
}

// newPath records the file location itself, optionally relative to a parent
func newPath(raw map[string]any) (parseFunc, error) {
	opts := pathOptions{Name: "path"}
	if err := decodeOptions(raw, &opts); err != nil {
		return nil, err
	}
	return func(ctx context.Context, path string) ([]types.Record, error) {
		p := path
		if opts.RelativeTo != "" {
			rel, err := filepath.Rel(opts.RelativeTo, path)
			if err != nil {
				return nil, err
			}
			p = rel
		}
		return []types.Record{{opts.Name: types.String(filepath.ToSlash(p))}}, nil
	}, nil
}

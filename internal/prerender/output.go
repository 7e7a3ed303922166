package prerender

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/andybalholm/brotli"

	"github.com/conneroisu/pagerender/internal/errors"
)

// RoutesIndexFile lists the prerendered routes next to the output.
const RoutesIndexFile = "prerendered-routes.json"

// WriteOptions configures WriteOutput.
type WriteOptions struct {
	// Compress writes a brotli-compressed ".br" sibling for every document.
	Compress bool
}

type routesIndex struct {
	Routes   []string `json:"routes"`
	Warnings []string `json:"warnings,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// WriteOutput writes result under dir. Each file is written to a temporary
// name and renamed into place.
func WriteOutput(dir string, result *Result, opts WriteOptions) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	names := make([]string, 0, len(result.Output))
	for name := range result.Output {
		names = append(names, name)
	}
	sort.Strings(names)

	written := make([]string, 0, len(names)*2+1)
	for _, name := range names {
		target, err := outputTarget(dir, name)
		if err != nil {
			return written, err
		}

		content := []byte(result.Output[name])
		if err := writeAtomic(target, content); err != nil {
			return written, err
		}
		written = append(written, target)

		if opts.Compress {
			compressed, err := compress(content)
			if err != nil {
				return written, fmt.Errorf("failed to compress %s: %w", name, err)
			}
			if err := writeAtomic(target+".br", compressed); err != nil {
				return written, err
			}
			written = append(written, target+".br")
		}
	}

	index, err := json.MarshalIndent(routesIndex{
		Routes:   nonNil(result.PrerenderedRoutes),
		Warnings: result.Warnings,
		Errors:   result.Errors,
	}, "", "  ")
	if err != nil {
		return written, err
	}
	indexPath := filepath.Join(dir, RoutesIndexFile)
	if err := writeAtomic(indexPath, append(index, '\n')); err != nil {
		return written, err
	}
	written = append(written, indexPath)

	return written, nil
}

// outputTarget maps an output key to a file below dir.
func outputTarget(dir, name string) (string, error) {
	target := filepath.Join(dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.NewConfigError(errors.ErrCodeConfigInvalid,
			fmt.Sprintf("output path %q escapes the output directory", name))
	}
	return target, nil
}

func writeAtomic(target string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", target, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".pagerender-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	return nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.BestCompression)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

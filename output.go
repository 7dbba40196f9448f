package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/anitrack/anitrack/internal/domain"
)

type printer struct {
	mu     sync.Mutex
	out    io.Writer
	errOut io.Writer
	format string
}

func newPrinter(out, errOut io.Writer, format string) *printer {
	return &printer{out: out, errOut: errOut, format: format}
}

type resultView[T any] struct {
	Data        T    `json:"data"`
	FromCache   bool `json:"from_cache,omitempty"`
	OfflineMode bool `json:"offline_mode,omitempty"`
}

func printResult[T any](p *printer, result domain.Result[T]) error {
	if result.OfflineMode {
		p.notice("Could not reach the server, showing cached data")
	}
	return p.print(resultView[T]{
		Data:        result.Data,
		FromCache:   result.FromCache,
		OfflineMode: result.OfflineMode,
	})
}

func (p *printer) print(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.format == "yaml" {
		return writeYAML(p.out, v)
	}

	encoder := json.NewEncoder(p.out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (p *printer) notice(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.errOut, msg)
}

// writeYAML writes v as YAML using its JSON field names and field order
func writeYAML(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}

	// JSON is YAML, parsing it into a node keeps the key order
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return fmt.Errorf("failed to convert output to yaml: %w", err)
	}
	resetStyle(&node)

	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(&node); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return encoder.Close()
}

func resetStyle(node *yaml.Node) {
	node.Style = 0
	for _, child := range node.Content {
		resetStyle(child)
	}
}

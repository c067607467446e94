package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Documents holds every agent and workflow found in one or more YAML streams.
type Documents struct {
	Agents    []*Agent
	Workflows []*Workflow
}

// Parse decodes a multi-document YAML (or JSON) stream. Empty documents are
// skipped; documents with an unknown kind are reported as violations.
func Parse(r io.Reader) (*Documents, error) {
	dec := yaml.NewDecoder(r)
	docs := &Documents{}

	for idx := 0; ; idx++ {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode document %d: %w", idx, err)
		}
		if len(node.Content) == 0 || node.Content[0].Kind != yaml.MappingNode {
			continue
		}

		var head struct {
			Kind string `yaml:"kind"`
		}
		if err := node.Decode(&head); err != nil {
			return nil, fmt.Errorf("decode document %d: %w", idx, err)
		}

		switch head.Kind {
		case KindAgent:
			a := &Agent{}
			if err := node.Decode(a); err != nil {
				return nil, fmt.Errorf("decode agent document %d: %w", idx, err)
			}
			docs.Agents = append(docs.Agents, a)
		case KindWorkflow:
			w := &Workflow{}
			if err := node.Decode(w); err != nil {
				return nil, fmt.Errorf("decode workflow document %d: %w", idx, err)
			}
			docs.Workflows = append(docs.Workflows, w)
		default:
			return nil, &SchemaViolation{
				Document: fmt.Sprintf("#%d", idx),
				Path:     "kind",
				Message:  fmt.Sprintf("unknown kind %q", head.Kind),
			}
		}
	}

	return docs, nil
}

func ParseFile(path string) (*Documents, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	docs, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return docs, nil
}

// LoadAgents reads every agent document in the file.
func LoadAgents(path string) ([]*Agent, error) {
	docs, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	return docs.Agents, nil
}

// LoadWorkflow reads the first workflow document in the file.
func LoadWorkflow(path string) (*Workflow, error) {
	docs, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	if len(docs.Workflows) == 0 {
		return nil, fmt.Errorf("%s: no workflow document found", path)
	}
	return docs.Workflows[0], nil
}

// Marshal encodes documents as a multi-document YAML stream.
func Marshal(docs ...any) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	for _, d := range docs {
		if err := enc.Encode(d); err != nil {
			return nil, fmt.Errorf("encode document: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close encoder: %w", err)
	}
	return buf.Bytes(), nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package docstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ReadWorkflow returns a workflow with every object-valued node input
// annotated with "displayName" set to its input key.
//
// # Description
//
// The annotation is applied on read only; the stored document is never
// modified. Key order of every object is preserved. A document without a
// "nodes" object is returned unchanged.
//
// # Examples
//
//	stored: {"nodes":{"3":{"inputs":{"seed":{"value":1},"steps":20}}}}
//	read:   {"nodes":{"3":{"inputs":{"seed":{"value":1,"displayName":"seed"},"steps":20}}}}
func (s *Store) ReadWorkflow(name string) (json.RawMessage, error) {
	data, err := s.Read(ClassWorkflow, name)
	if err != nil {
		return nil, err
	}
	out, err := annotateInputs(data)
	if err != nil {
		return nil, fmt.Errorf("workflow %q: %w", name, err)
	}
	return out, nil
}

func annotateInputs(data []byte) (json.RawMessage, error) {
	var doc orderedObject
	if err := json.Unmarshal(data, &doc); err != nil {
		// Not an object; nothing to annotate.
		return json.RawMessage(data), nil
	}
	nodesRaw, ok := doc.get("nodes")
	if !ok || !isObject(nodesRaw) {
		return json.RawMessage(data), nil
	}

	var nodes orderedObject
	if err := json.Unmarshal(nodesRaw, &nodes); err != nil {
		return nil, fmt.Errorf("decode nodes: %w", err)
	}
	for i, node := range nodes {
		if !isObject(node.value) {
			continue
		}
		var fields orderedObject
		if err := json.Unmarshal(node.value, &fields); err != nil {
			return nil, fmt.Errorf("decode node %q: %w", node.key, err)
		}
		inputsRaw, ok := fields.get("inputs")
		if !ok || !isObject(inputsRaw) {
			continue
		}
		var inputs orderedObject
		var err error
		if err = json.Unmarshal(inputsRaw, &inputs); err != nil {
			return nil, fmt.Errorf("decode inputs of node %q: %w", node.key, err)
		}
		for j, input := range inputs {
			if !isObject(input.value) {
				continue
			}
			var obj orderedObject
			if err := json.Unmarshal(input.value, &obj); err != nil {
				return nil, fmt.Errorf("decode input %q: %w", input.key, err)
			}
			label, _ := json.Marshal(input.key)
			obj.set("displayName", label)
			if inputs[j].value, err = json.Marshal(obj); err != nil {
				return nil, err
			}
		}
		if inputsRaw, err = json.Marshal(inputs); err != nil {
			return nil, err
		}
		fields.set("inputs", inputsRaw)
		if nodes[i].value, err = json.Marshal(fields); err != nil {
			return nil, err
		}
	}

	out, err := json.Marshal(nodes)
	if err != nil {
		return nil, err
	}
	doc.set("nodes", out)
	return json.Marshal(doc)
}

// =============================================================================
// Workflow Order
// =============================================================================

// Order is the persisted display order of workflows.
type Order struct {
	Order []string `json:"order"`
}

// ReadOrder returns the stored order, or an empty order when none exists.
func (s *Store) ReadOrder() (Order, error) {
	data, err := os.ReadFile(s.orderPath())
	if errors.Is(err, fs.ErrNotExist) {
		return Order{Order: []string{}}, nil
	}
	if err != nil {
		return Order{}, fmt.Errorf("read workflow order: %w", err)
	}
	var order Order
	if err := json.Unmarshal(data, &order); err != nil {
		return Order{}, fmt.Errorf("decode workflow order: %w", err)
	}
	if order.Order == nil {
		order.Order = []string{}
	}
	return order, nil
}

// WriteOrder replaces the stored order.
func (s *Store) WriteOrder(order Order) error {
	if order.Order == nil {
		order.Order = []string{}
	}
	data, err := json.MarshalIndent(order, "", "  ")
	if err != nil {
		return fmt.Errorf("encode workflow order: %w", err)
	}
	return writeFileAtomic(s.orderPath(), data)
}

func (s *Store) orderPath() string {
	return filepath.Join(s.layouts[ClassWorkflow].dir, orderFile)
}

// =============================================================================
// Ordered JSON objects
// =============================================================================

type orderedField struct {
	key   string
	value json.RawMessage
}

// orderedObject is a JSON object that keeps its key order through a
// decode/encode cycle.
type orderedObject []orderedField

func (o *orderedObject) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("expected object")
	}
	var fields orderedObject
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected object key")
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return err
		}
		fields.set(key, value)
	}
	*o = fields
	return nil
}

func (o orderedObject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(f.value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (o orderedObject) get(key string) (json.RawMessage, bool) {
	for _, f := range o {
		if f.key == key {
			return f.value, true
		}
	}
	return nil, false
}

// set replaces an existing key in place or appends a new one.
func (o *orderedObject) set(key string, value json.RawMessage) {
	for i := range *o {
		if (*o)[i].key == key {
			(*o)[i].value = value
			return
		}
	}
	*o = append(*o, orderedField{key: key, value: value})
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

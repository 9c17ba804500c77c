package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// IntParam is an optional integer training parameter. Clients send it either
// as a JSON number or as a numeric string; null or "" leaves it unset.
type IntParam struct {
	Value int
	Set   bool
}

// IntOf returns a set IntParam.
func IntOf(v int) IntParam { return IntParam{Value: v, Set: true} }

// Or returns p when set and d otherwise.
func (p IntParam) Or(d IntParam) IntParam {
	if p.Set {
		return p
	}
	return d
}

func (p *IntParam) UnmarshalJSON(data []byte) error {
	raw, ok, err := scalarText(data)
	if err != nil || !ok {
		*p = IntParam{}
		return err
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid integer %q", raw)
	}
	*p = IntOf(v)
	return nil
}

func (p IntParam) MarshalJSON() ([]byte, error) {
	if !p.Set {
		return []byte("null"), nil
	}
	return json.Marshal(p.Value)
}

func (p *IntParam) UnmarshalYAML(node *yaml.Node) error {
	var v int
	if err := node.Decode(&v); err != nil {
		return err
	}
	*p = IntOf(v)
	return nil
}

// FloatParam is an optional float training parameter, decoded like IntParam.
// A set zero is kept as zero.
type FloatParam struct {
	Value float64
	Set   bool
}

// FloatOf returns a set FloatParam.
func FloatOf(v float64) FloatParam { return FloatParam{Value: v, Set: true} }

// Or returns p when set and d otherwise.
func (p FloatParam) Or(d FloatParam) FloatParam {
	if p.Set {
		return p
	}
	return d
}

func (p *FloatParam) UnmarshalJSON(data []byte) error {
	raw, ok, err := scalarText(data)
	if err != nil || !ok {
		*p = FloatParam{}
		return err
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q", raw)
	}
	*p = FloatOf(v)
	return nil
}

func (p FloatParam) MarshalJSON() ([]byte, error) {
	if !p.Set {
		return []byte("null"), nil
	}
	return json.Marshal(p.Value)
}

func (p *FloatParam) UnmarshalYAML(node *yaml.Node) error {
	var v float64
	if err := node.Decode(&v); err != nil {
		return err
	}
	*p = FloatOf(v)
	return nil
}

// scalarText returns the text of a JSON number or string. ok is false for
// null and blank strings.
func scalarText(data []byte) (string, bool, error) {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return "", false, nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", false, err
		}
		s = strings.TrimSpace(s)
		return s, s != "", nil
	}
	return string(data), true, nil
}

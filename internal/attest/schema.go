package attest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"acdcd/internal/logger"
	"acdcd/internal/said"
)

// schemaLabel is the field holding a schema's own SAID.
const schemaLabel = "$id"

// Schemas maps schema SAIDs to compiled JSON schemas. Attestations naming
// an unregistered schema are not validated.
type Schemas struct {
	mu       sync.RWMutex
	compiled map[string]*gojsonschema.Schema
}

// NewSchemas creates an empty registry.
func NewSchemas() *Schemas {
	return &Schemas{compiled: make(map[string]*gojsonschema.Schema)}
}

// LoadSchemas registers every .json file in dir.
func LoadSchemas(dir string) (*Schemas, error) {
	s := NewSchemas()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read schema dir:\n%w", err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read schema %s:\n%w", e.Name(), err)
		}

		id, err := s.Register(data)
		if err != nil {
			return nil, fmt.Errorf("register schema %s:\n%w", e.Name(), err)
		}

		logger.Debug("schema registered", "file", e.Name(), "said", id)
	}

	return s, nil
}

// Register compiles a schema whose $id is the SAID of the document and
// returns that SAID.
func (s *Schemas) Register(doc []byte) (string, error) {
	m, err := said.ParseMap(doc)
	if err != nil {
		return "", err
	}

	if err := said.Verify(m, schemaLabel); err != nil {
		return "", err
	}

	id, _ := m.Get(schemaLabel)

	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return "", fmt.Errorf("compile schema:\n%w", err)
	}

	s.mu.Lock()
	s.compiled[id.Str()] = schema
	s.mu.Unlock()

	return id.Str(), nil
}

// Validate checks attrs against the schema registered as id. An absent
// attribute block is validated as an empty object.
func (s *Schemas) Validate(id string, attrs *said.Map) error {
	s.mu.RLock()
	schema, ok := s.compiled[id]
	s.mu.RUnlock()

	if !ok {
		return nil
	}

	doc := []byte("{}")
	if attrs != nil {
		doc = attrs.Bytes()
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}

	if !result.Valid() {
		var b strings.Builder
		for _, e := range result.Errors() {
			if b.Len() > 0 {
				b.WriteString("; ")
			}
			b.WriteString(e.String())
		}

		return fmt.Errorf("%w: %s", ErrSchemaViolation, b.String())
	}

	return nil
}

// SaidifySchema places $id first in doc, fills it with the document's SAID
// and returns the result.
func SaidifySchema(doc []byte, code said.Code) ([]byte, string, error) {
	m, err := said.ParseMap(doc)
	if err != nil {
		return nil, "", err
	}

	out := said.NewMap()
	out.Set(schemaLabel, said.String(""))

	for _, k := range m.Keys() {
		if k == schemaLabel {
			continue
		}

		v, _ := m.Get(k)
		out.Set(k, v)
	}

	id, err := said.Saidify(out, schemaLabel, code)
	if err != nil {
		return nil, "", err
	}

	return out.Bytes(), id, nil
}

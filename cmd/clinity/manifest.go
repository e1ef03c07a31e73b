package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/AnshvardhanShetty/CLINITY/internal/schema"
)

// manifest is the on-disk description of one document set. Each entry names
// either inline text or a path to a UTF-8 text file; OCR and PDF extraction
// happen before this tool runs.
type manifest struct {
	Documents []manifestDoc `yaml:"documents"`
}

type manifestDoc struct {
	ID            string  `yaml:"id"`
	Type          string  `yaml:"type"`
	Text          string  `yaml:"text"`
	Path          string  `yaml:"path"`
	OCRConfidence float64 `yaml:"ocr_confidence"`
	PatientRef    string  `yaml:"patient_ref"`
	Timestamp     string  `yaml:"timestamp"`
	Description   string  `yaml:"description"`
}

// loadManifest reads a manifest YAML and materializes its documents.
// Relative document paths resolve against the manifest's directory.
func loadManifest(path string) ([]schema.Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "manifest: read %s", path)
	}

	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, eris.Wrapf(err, "manifest: parse %s", path)
	}
	if len(m.Documents) == 0 {
		return nil, nil
	}

	base := filepath.Dir(path)
	docs := make([]schema.Document, 0, len(m.Documents))
	for i, md := range m.Documents {
		doc, err := md.toDocument(base)
		if err != nil {
			return nil, eris.Wrapf(err, "manifest: document %d", i)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (md manifestDoc) toDocument(base string) (schema.Document, error) {
	if md.ID == "" {
		return schema.Document{}, eris.New("missing id")
	}
	if md.Text != "" && md.Path != "" {
		return schema.Document{}, eris.Errorf("document %s: text and path are mutually exclusive", md.ID)
	}

	text := md.Text
	if md.Path != "" {
		p := md.Path
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			return schema.Document{}, eris.Wrapf(err, "document %s", md.ID)
		}
		text = string(raw)
	}

	doc := schema.Document{
		ID:            md.ID,
		Type:          docType(md.Type),
		RawText:       text,
		OCRConfidence: md.OCRConfidence,
		PatientRef:    md.PatientRef,
		Description:   md.Description,
	}
	if md.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, md.Timestamp)
		if err != nil {
			return schema.Document{}, eris.Wrapf(err, "document %s: timestamp", md.ID)
		}
		doc.Timestamp = &ts
	}
	return doc, nil
}

func docType(s string) schema.DocumentType {
	switch schema.DocumentType(s) {
	case schema.DocHandwritten, schema.DocLabResult, schema.DocRadiologyReport, schema.DocPDF:
		return schema.DocumentType(s)
	default:
		return schema.DocTypedNote
	}
}

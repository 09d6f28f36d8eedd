package store

import (
	json "github.com/goccy/go-json"
)

var jsonMarshal = json.Marshal

func encodeDoc(doc Document) ([]byte, error) {
	return json.Marshal(doc)
}

func decodeDoc(b []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

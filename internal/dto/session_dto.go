package dto

// SessionChangedMessage is the change notification raised after every
// successful session update.
type SessionChangedMessage struct {
	ProjectId    string `json:"project_id"`
	DocumentType string `json:"document_type"`
	Version      int64  `json:"version"`
}

type ProjectSelectedMessage struct {
	ProjectId string `json:"project_id"`
}

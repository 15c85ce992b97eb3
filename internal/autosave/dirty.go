package autosave

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/zulandar/scanroom/internal/api"
)

// dirtyFields is the exact field set compared when deciding whether a
// snapshot differs from the last completed save. Status, ScanID, AIAnalysis
// and the attachment are deliberately excluded; attachments force a save on
// their own.
type dirtyFields struct {
	Messages  []api.Message `json:"m"`
	PatientID string        `json:"pid"`
	Diagnosis string        `json:"d"`
}

// DirtyKey digests the fields of s that the dirty check compares:
// Messages, PatientID and Diagnosis.
func DirtyKey(s Snapshot) string {
	msgs := s.Messages
	if msgs == nil {
		msgs = []api.Message{}
	}
	data, err := json.Marshal(dirtyFields{
		Messages:  msgs,
		PatientID: s.PatientID,
		Diagnosis: s.Diagnosis,
	})
	if err != nil {
		// api.Message is plain data; treat an impossible failure as dirty.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

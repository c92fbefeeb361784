package common

import (
	"encoding/json"
	"fmt"
	"io"
)

type CIResult struct {
	OK      bool     `json:"ok"`
	Command string   `json:"command"`
	Details []string `json:"details,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// WriteCIResult writes one JSON line describing a command outcome.
func WriteCIResult(w io.Writer, ok bool, command string, details []string, err error) {
	res := CIResult{OK: ok, Command: command, Details: details}
	if err != nil {
		res.Error = err.Error()
	}
	encoded, marshalErr := json.Marshal(res)
	if marshalErr != nil {
		_, _ = fmt.Fprintf(w, "{\"ok\":false,\"command\":%q,\"error\":%q}\n", command, marshalErr.Error())
		return
	}
	_, _ = fmt.Fprintln(w, string(encoded))
}

package model

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

type IDType string

const (
	IDTypeWorker    IDType = "wrk"
	IDTypeExecution IDType = "exe"
	IDTypeLease     IDType = "lse"
)

var idRegex = regexp.MustCompile(`^(wrk|exe|lse)_[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// NewID generates a typed identifier, e.g. "exe_1b4e28ba-...".
func NewID(idType IDType) string {
	return fmt.Sprintf("%s_%s", idType, uuid.NewString())
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

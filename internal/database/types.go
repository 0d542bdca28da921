package database

import (
	"fmt"
	"strconv"
	"strings"
)

// Entity types stored in the metadata store.
const (
	EntityPerson  = "PERSON"
	EntityCounter = "UNKNOWN_PERSONS"
	EntityImage   = "IMAGE"
	EntityTagging = "TAGGING#" // followed by the person name
	EntityUser    = "USER"
)

// CounterKey is both the PK and SK of the identity allocation counter.
const CounterKey = "UNKNOWN_PERSONS"

const (
	personKeyPrefix  = "PERSON#"
	personNamePrefix = "person"
)

// Record is one item of the metadata store. The store is a single
// PK/SK keyed table; which optional fields are set depends on EntityType.
type Record struct {
	PK          string
	SK          string
	EntityType  string
	DisplayName string
	S3Key       string
	Images      map[string]string // processed variants: large, medium
	PersonID    string            // user records linked to a person
	Limit       int64             // allocation counter value
	CreatedAt   int64             // unix seconds
	UpdatedAt   int64             // unix seconds
}

// VectorMetadata travels with every vector so a missing identity record
// can be rebuilt from the index alone.
type VectorMetadata struct {
	ImageKey  string
	CreatedAt int64
}

// VectorEntry is a vector stored under an identity name.
type VectorEntry struct {
	ID       string
	Values   []float32
	Metadata VectorMetadata
}

// VectorMatch is one nearest-neighbor result. Score is a similarity where
// higher is closer.
type VectorMatch struct {
	ID       string
	Score    float64
	Values   []float32
	Metadata VectorMetadata
}

// PersonName renders the canonical identity name for an allocated ID.
func PersonName(id int64) string {
	return fmt.Sprintf("%s%d", personNamePrefix, id)
}

// ParsePersonName extracts the numeric ID from "person<N>".
func ParsePersonName(name string) (int64, bool) {
	rest, ok := strings.CutPrefix(name, personNamePrefix)
	if !ok || rest == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// PersonPK is the partition key of an identity record, also used as the
// sort key of tagging records.
func PersonPK(name string) string {
	return personKeyPrefix + name
}

// PersonRecord builds the identity record committed at the end of a registration.
func PersonRecord(name, imageKey string, createdAt int64) Record {
	return Record{
		PK:          PersonPK(name),
		SK:          name,
		EntityType:  EntityPerson,
		DisplayName: name,
		S3Key:       imageKey,
		CreatedAt:   createdAt,
	}
}

// CounterRecord is the zero-valued allocation counter.
func CounterRecord() Record {
	return Record{
		PK:         CounterKey,
		SK:         CounterKey,
		EntityType: EntityCounter,
		Limit:      0,
	}
}

package types

import (
	"fmt"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/teris-io/shortid"
)

// GenerateUUID returns a k-sortable unique identifier
func GenerateUUID() string {
	return ulid.Make().String()
}

// GenerateUUIDWithPrefix returns a k-sortable unique identifier
// with a prefix ex ent_0ujsswThIGTUYm2K8FjOOfXtY1K
func GenerateUUIDWithPrefix(prefix string) string {
	if prefix == "" {
		return GenerateUUID()
	}
	return fmt.Sprintf("%s_%s", prefix, GenerateUUID())
}

var (
	sidGenerator *shortid.Shortid
	once         sync.Once
)

// initializeSID initializes the shortid generator once
func initializeSID() {
	var err error
	sidGenerator, err = shortid.New(1, shortid.DefaultABC, 2342)
	if err != nil {
		panic("failed to initialize shortid generator: " + err.Error())
	}
}

// GenerateShortIDWithPrefix returns a short ID with a prefix.
// Total length is capped at 12 characters, e.g., `req_xYZ12A8Q`.
func GenerateShortIDWithPrefix(prefix string) string {
	once.Do(initializeSID)

	id, err := sidGenerator.Generate()
	if err != nil {
		return ""
	}
	id = strings.ReplaceAll(id, "-", "")

	availableLen := 12 - len(prefix)
	if availableLen <= 0 {
		return ""
	}

	if len(id) > availableLen {
		id = id[:availableLen]
	}

	return fmt.Sprintf("%s%s", prefix, id)
}

const (
	// Prefixes for all domains and entities

	UUID_PREFIX_ENTITLEMENT         = "ent"
	UUID_PREFIX_CUSTOMER            = "cust"
	UUID_PREFIX_PROJECT             = "proj"
	UUID_PREFIX_SUBSCRIPTION        = "subs"
	UUID_PREFIX_SUBSCRIPTION_PHASE  = "phase"
	UUID_PREFIX_SUBSCRIPTION_ITEM   = "subs_item"
	UUID_PREFIX_FEATURE_PLAN_VERSON = "fpv"
	UUID_PREFIX_USAGE_RECORD        = "usage"
	UUID_PREFIX_VERIFICATION        = "verif"

	SHORT_ID_PREFIX_REQUEST = "req_"
)

// GenerateRequestID returns a short id suitable for request tracing.
func GenerateRequestID() string {
	return GenerateShortIDWithPrefix(SHORT_ID_PREFIX_REQUEST)
}

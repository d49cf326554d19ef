package common

import (
	uuid "github.com/nu7hatch/gouuid"
)

// GenUUID returns a random uuid, used for jobs submitted without one.
func GenUUID() string {
	// uuid.NewV4 reads crypto/rand and only fails if the system source does.
	for {
		if id, err := uuid.NewV4(); err == nil {
			return id.String()
		}
	}
}

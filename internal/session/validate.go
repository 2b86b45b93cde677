package session

import (
	"fmt"
	"regexp"

	"github.com/matheus3301/storechat/internal/chaterr"
)

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that a session name is safe to use as a directory name.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return chaterr.New(chaterr.Validation, "session name",
			fmt.Errorf("%q must match %s", name, nameRegexp))
	}
	return nil
}

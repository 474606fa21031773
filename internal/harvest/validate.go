package harvest

import (
	"net/url"
	"strings"

	"github.com/xkilldash9x/pdfharvest/api/schemas"
)

// Request field names as they appear on the wire.
const (
	fieldLoginURL   = "loginUrl"
	fieldTableURLs  = "urls"
	fieldFolderName = "folderName"
)

// Validate checks that every required field is present and well formed.
// Missing fields take precedence over malformed ones.
func Validate(req schemas.RunRequest) error {
	fields := map[string]string{
		fieldLoginURL:   FieldProvided,
		fieldTableURLs:  FieldProvided,
		fieldFolderName: FieldProvided,
	}
	missing, invalid := false, false
	mark := func(name, state string) {
		fields[name] = state
		if state == FieldRequired {
			missing = true
		} else {
			invalid = true
		}
	}

	switch login := strings.TrimSpace(req.LoginURL); {
	case login == "":
		mark(fieldLoginURL, FieldRequired)
	case !isPageURL(login):
		mark(fieldLoginURL, FieldInvalid)
	}

	if len(req.TableURLs) == 0 {
		mark(fieldTableURLs, FieldRequired)
	} else {
		for _, u := range req.TableURLs {
			if !isPageURL(strings.TrimSpace(u)) {
				mark(fieldTableURLs, FieldInvalid)
				break
			}
		}
	}

	if strings.TrimSpace(req.FolderName) == "" {
		mark(fieldFolderName, FieldRequired)
	} else if _, ok := SanitizeFolder(req.FolderName); !ok {
		mark(fieldFolderName, FieldInvalid)
	}

	switch {
	case missing:
		return &ValidationError{Message: MsgMissingFields, Fields: fields}
	case invalid:
		return &ValidationError{Message: MsgInvalidFields, Fields: fields}
	}
	return nil
}

// isPageURL reports whether raw is an absolute http or https URL.
func isPageURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

package auth

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

// fileTokenSource reads an access token from disk on every call so that an
// external refresher can rotate it.
type fileTokenSource struct {
	path        string
	field       string
	expiryField string
}

// FileTokenSource returns a token source backed by path. With field empty the
// whole file is the token; otherwise field is a gjson path into a JSON file
// (for example "tokens.access_token"). expiryField optionally names an RFC 3339
// or unix-seconds expiry.
func FileTokenSource(path, field, expiryField string) oauth2.TokenSource {
	return &fileTokenSource{path: path, field: field, expiryField: expiryField}
}

func (f *fileTokenSource) Token() (*oauth2.Token, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	if f.field == "" {
		return &oauth2.Token{AccessToken: string(bytes.TrimSpace(data)), TokenType: "Bearer"}, nil
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("token file %s is not valid JSON", f.path)
	}

	tok := &oauth2.Token{
		AccessToken: gjson.GetBytes(data, f.field).String(),
		TokenType:   "Bearer",
	}
	if f.expiryField != "" {
		exp := gjson.GetBytes(data, f.expiryField)
		switch exp.Type {
		case gjson.Number:
			tok.Expiry = time.Unix(exp.Int(), 0)
		case gjson.String:
			if t, err := time.Parse(time.RFC3339, exp.String()); err == nil {
				tok.Expiry = t
			}
		}
	}
	return tok, nil
}

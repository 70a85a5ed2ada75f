package intake

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"gridvid/internal/accounts"
)

// AccountRows is the result of reading an account CSV. Invalid rows are
// described rather than failing the whole file.
type AccountRows struct {
	Credentials []accounts.Credential
	Invalid     []string
}

func LoadAccountsCSV(path string) (AccountRows, error) {
	f, err := os.Open(path)
	if err != nil {
		return AccountRows{}, fmt.Errorf("open accounts file: %w", err)
	}
	defer f.Close()
	return ParseAccountsCSV(f)
}

// ParseAccountsCSV reads email,password rows. A first row that names the
// email and password columns is skipped.
func ParseAccountsCSV(r io.Reader) (AccountRows, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	out := AccountRows{Credentials: []accounts.Credential{}, Invalid: []string{}}
	first := true
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return AccountRows{}, fmt.Errorf("read accounts csv: %w", err)
		}
		line, _ := cr.FieldPos(0)
		if first {
			first = false
			if isAccountHeader(row) {
				continue
			}
		}
		if isBlankRow(row) {
			continue
		}
		if len(row) < 2 {
			out.Invalid = append(out.Invalid, fmt.Sprintf("line %d: expected email,password", line))
			continue
		}
		email := strings.TrimSpace(row[0])
		secret := strings.TrimSpace(row[1])
		switch {
		case email == "" || secret == "":
			out.Invalid = append(out.Invalid, fmt.Sprintf("line %d: missing email or password", line))
		case !strings.Contains(email, "@") || !strings.Contains(email, "."):
			out.Invalid = append(out.Invalid, fmt.Sprintf("line %d: invalid email %q", line, email))
		default:
			out.Credentials = append(out.Credentials, accounts.Credential{Email: email, Secret: secret})
		}
	}
	return out, nil
}

func isAccountHeader(row []string) bool {
	if len(row) < 2 {
		return false
	}
	first := strings.ToLower(strings.TrimSpace(row[0]))
	second := strings.ToLower(strings.TrimSpace(row[1]))
	return strings.Contains(first, "mail") && strings.Contains(second, "pass")
}

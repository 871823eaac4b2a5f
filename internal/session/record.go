package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ecell-club/membership/internal/models"
)

// Keys under which sessions are mirrored in the kv store.
const (
	KeyUser  = "user"
	KeyAdmin = "admin"
)

const (
	// recordVersionLegacy is the unversioned shape. Field names vary per
	// writer: rollNumber or roll_number, phone or phone_number, and year
	// may be a number or a numeric string.
	recordVersionLegacy = 1
	// RecordVersion is the shape written by this package.
	RecordVersion = 2
)

var errCorruptRecord = errors.New("corrupt session record")

type userRecord struct {
	V          int               `json:"v"`
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	RollNumber string            `json:"rollNumber"`
	Email      string            `json:"email"`
	Branch     string            `json:"branch"`
	Year       int               `json:"year"`
	Phone      string            `json:"phone"`
	Status     models.UserStatus `json:"status"`
}

type adminRecord struct {
	V        int              `json:"v"`
	ID       string           `json:"id"`
	Username string           `json:"username"`
	Email    string           `json:"email"`
	Role     models.AdminRole `json:"role"`
}

func encodeUser(u models.SessionUser) ([]byte, error) {
	return json.Marshal(userRecord{
		V:          RecordVersion,
		ID:         u.ID,
		Name:       u.Name,
		RollNumber: u.RollNumber,
		Email:      u.Email,
		Branch:     u.Branch,
		Year:       u.Year,
		Phone:      u.Phone,
		Status:     u.Status,
	})
}

func encodeAdmin(a models.SessionAdmin) ([]byte, error) {
	return json.Marshal(adminRecord{
		V:        RecordVersion,
		ID:       a.ID,
		Username: a.Username,
		Email:    a.Email,
		Role:     a.Role,
	})
}

// recordVersion reads the schema version of a persisted blob. A blob with no
// "v" field is the legacy shape.
func recordVersion(fields map[string]json.RawMessage) (int, error) {
	raw, ok := fields["v"]
	if !ok {
		return recordVersionLegacy, nil
	}
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("%w: version: %v", errCorruptRecord, err)
	}
	return v, nil
}

func splitFields(data []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptRecord, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: null record", errCorruptRecord)
	}
	return fields, nil
}

// decodeUser parses a persisted user record of any known version. It also
// returns the version it found so callers can rewrite stale records.
func decodeUser(data []byte) (models.SessionUser, int, error) {
	fields, err := splitFields(data)
	if err != nil {
		return models.SessionUser{}, 0, err
	}
	version, err := recordVersion(fields)
	if err != nil {
		return models.SessionUser{}, 0, err
	}

	var rec userRecord
	switch version {
	case recordVersionLegacy:
		rec, err = migrateUserV1(fields)
	case RecordVersion:
		err = json.Unmarshal(data, &rec)
	default:
		err = fmt.Errorf("%w: unsupported version %d", errCorruptRecord, version)
	}
	if err != nil {
		if !errors.Is(err, errCorruptRecord) {
			err = fmt.Errorf("%w: %v", errCorruptRecord, err)
		}
		return models.SessionUser{}, version, err
	}
	if strings.TrimSpace(rec.ID) == "" {
		return models.SessionUser{}, version, fmt.Errorf("%w: missing id", errCorruptRecord)
	}
	return models.SessionUser{
		ID:         rec.ID,
		Name:       rec.Name,
		RollNumber: rec.RollNumber,
		Email:      rec.Email,
		Branch:     rec.Branch,
		Year:       rec.Year,
		Phone:      rec.Phone,
		Status:     rec.Status,
	}, version, nil
}

// migrateUserV1 maps the legacy shape to the current record.
func migrateUserV1(fields map[string]json.RawMessage) (userRecord, error) {
	rec := userRecord{V: RecordVersion}
	var err error
	if rec.ID, err = stringField(fields, "id"); err != nil {
		return rec, err
	}
	if rec.Name, err = stringField(fields, "name"); err != nil {
		return rec, err
	}
	if rec.RollNumber, err = stringField(fields, "rollNumber", "roll_number"); err != nil {
		return rec, err
	}
	if rec.Email, err = stringField(fields, "email"); err != nil {
		return rec, err
	}
	if rec.Branch, err = stringField(fields, "branch"); err != nil {
		return rec, err
	}
	if rec.Phone, err = stringField(fields, "phone", "phone_number"); err != nil {
		return rec, err
	}
	status, err := stringField(fields, "status")
	if err != nil {
		return rec, err
	}
	rec.Status = models.UserStatus(status)
	if rec.Status == "" {
		rec.Status = models.UserStatusActive
	}
	if rec.Year, err = yearField(fields["year"]); err != nil {
		return rec, err
	}
	return rec, nil
}

// stringField returns the first present name. Missing and null fields read as "".
func stringField(fields map[string]json.RawMessage, names ...string) (string, error) {
	for _, name := range names {
		raw, ok := fields[name]
		if !ok || string(raw) == "null" {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: field %s: %v", errCorruptRecord, name, err)
		}
		return s, nil
	}
	return "", nil
}

func yearField(raw json.RawMessage) (int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("%w: field year: %v", errCorruptRecord, err)
	}
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: field year: %v", errCorruptRecord, err)
	}
	return n, nil
}

func decodeAdmin(data []byte) (models.SessionAdmin, int, error) {
	fields, err := splitFields(data)
	if err != nil {
		return models.SessionAdmin{}, 0, err
	}
	version, err := recordVersion(fields)
	if err != nil {
		return models.SessionAdmin{}, 0, err
	}
	if version != recordVersionLegacy && version != RecordVersion {
		return models.SessionAdmin{}, version, fmt.Errorf("%w: unsupported version %d", errCorruptRecord, version)
	}

	// The admin shape never changed field names; v1 only lacks "v".
	var rec adminRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return models.SessionAdmin{}, version, fmt.Errorf("%w: %v", errCorruptRecord, err)
	}
	if strings.TrimSpace(rec.ID) == "" || strings.TrimSpace(rec.Username) == "" {
		return models.SessionAdmin{}, version, fmt.Errorf("%w: missing id or username", errCorruptRecord)
	}
	if rec.Role == "" {
		rec.Role = models.RoleAdmin
	}
	if !rec.Role.Valid() {
		return models.SessionAdmin{}, version, fmt.Errorf("%w: unknown role %q", errCorruptRecord, rec.Role)
	}
	return models.SessionAdmin{ID: rec.ID, Username: rec.Username, Email: rec.Email, Role: rec.Role}, version, nil
}

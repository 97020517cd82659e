// Package records reads the client queue the booking workflow works through.
package records

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

type ClientRecord struct {
	FirstName          string `json:"first_name"`
	LastName           string `json:"last_name"`
	DateOfBirth        string `json:"date_of_birth"`
	Email              string `json:"email"`
	Password           string `json:"-"`
	MobileCountryCode  string `json:"mobile_country_code"`
	MobileNumber       string `json:"mobile_number"`
	PassportNumber     string `json:"passport_number"`
	VisaType           string `json:"visa_type"`
	ApplicationCenter  string `json:"application_center"`
	ServiceCenter      string `json:"service_center"`
	TripReason         string `json:"trip_reason"`
	Gender             string `json:"gender"`
	CurrentNationality string `json:"current_nationality"`
	PassportExpiry     string `json:"passport_expiry"`
}

// ID identifies the record in results. Email is the only column that is
// unique per applicant.
func (r ClientRecord) ID() string { return r.Email }

func (r ClientRecord) FullName() string {
	return strings.TrimSpace(r.FirstName + " " + r.LastName)
}

// Value returns the value for a logical form field, or "" when the record
// has none. Column names are accepted as well.
func (r ClientRecord) Value(field string) string {
	switch field {
	case "first_name":
		return r.FirstName
	case "last_name":
		return r.LastName
	case "date_of_birth":
		return r.DateOfBirth
	case "email":
		return r.Email
	case "password":
		return r.Password
	case "phone":
		return r.MobileCountryCode + r.MobileNumber
	case "mobile_country_code":
		return r.MobileCountryCode
	case "mobile_number":
		return r.MobileNumber
	case "passport_number":
		return r.PassportNumber
	case "nationality", "current_nationality":
		return r.CurrentNationality
	case "service_type", "visa_type":
		return r.VisaType
	case "application_center":
		return r.ApplicationCenter
	case "service_center":
		return r.ServiceCenter
	case "trip_reason":
		return r.TripReason
	case "gender":
		return r.Gender
	case "passport_expiry":
		return r.PassportExpiry
	}
	return ""
}

func LoadCSV(path string) ([]ClientRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open records: %w", err)
	}
	defer f.Close()
	return ReadCSV(f)
}

// ReadCSV reads a header row followed by one record per line. Unknown
// columns are ignored; visa_type falls back to trip_reason.
func ReadCSV(r io.Reader) ([]ClientRecord, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}

	var out []ClientRecord
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		get := func(name string) string {
			i, ok := cols[name]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}
		rec := ClientRecord{
			FirstName:          get("first_name"),
			LastName:           get("last_name"),
			DateOfBirth:        get("date_of_birth"),
			Email:              get("email"),
			Password:           get("password"),
			MobileCountryCode:  get("mobile_country_code"),
			MobileNumber:       get("mobile_number"),
			PassportNumber:     get("passport_number"),
			VisaType:           get("visa_type"),
			ApplicationCenter:  get("application_center"),
			ServiceCenter:      get("service_center"),
			TripReason:         get("trip_reason"),
			Gender:             get("gender"),
			CurrentNationality: get("current_nationality"),
			PassportExpiry:     get("passport_expiry"),
		}
		if rec.VisaType == "" {
			rec.VisaType = rec.TripReason
		}
		out = append(out, rec)
	}
}

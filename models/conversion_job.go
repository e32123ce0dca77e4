package models

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusCreated     Status = "Created"
	StatusProcessing  Status = "Processing"
	StatusSuccess     Status = "Success"
	StatusFailed      Status = "Failed"
	StatusUnchanged   Status = "Unchanged"
	StatusShallowCopy Status = "ShallowCopy"
	StatusTimeOut     Status = "TimeOut"
)

// Terminal reports whether no further transition is allowed out of s.
// ShallowCopy is terminal too; remediation happens before it is reached.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusUnchanged, StatusShallowCopy, StatusTimeOut:
		return true
	}
	return false
}

// CanTransition reports whether the state machine admits from -> to.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusCreated:
		switch to {
		case StatusProcessing, StatusUnchanged, StatusFailed, StatusShallowCopy:
			return true
		}
	case StatusProcessing:
		switch to {
		case StatusSuccess, StatusFailed, StatusTimeOut:
			return true
		}
	}
	return false
}

type ConversionJob struct {
	ID                    string     `json:"id"`
	HubID                 string     `json:"-"`
	ProjectID             string     `json:"projectId"`
	FolderID              string     `json:"folderId"`
	FolderURL             string     `json:"folderUrl"`
	SettingsName          string     `json:"ifcSettingsSetName"`
	ScheduleID            string     `json:"scheduleId,omitempty"`
	FileURN               string     `json:"fileUrn"`
	FileName              string     `json:"fileName"`
	ItemID                string     `json:"itemId"`
	DerivativeURN         string     `json:"-"`
	InputStorageLocation  string     `json:"inputStorageLocation"`
	OutputStorageLocation string     `json:"outputStorageLocation"`
	Status                Status     `json:"status"`
	JobCreated            time.Time  `json:"jobCreated"`
	JobFinished           *time.Time `json:"jobFinished"`
	Notes                 string     `json:"notes"`
	Region                string     `json:"region"`
	CreatedBy             string     `json:"createdBy"`
	IsCompositeDesign     bool       `json:"isCompositeDesign"`
}

// AddLog appends a timestamped line to the job's note log.
func (j *ConversionJob) AddLog(line string) {
	j.addLogAt(time.Now().UTC(), line)
}

func (j *ConversionJob) AddLogf(format string, args ...any) {
	j.AddLog(fmt.Sprintf(format, args...))
}

func (j *ConversionJob) addLogAt(at time.Time, line string) {
	entry := fmt.Sprintf("[%s UTC] %s", at.Format("15:04"), line)
	if strings.TrimSpace(j.Notes) == "" {
		j.Notes = entry
		return
	}
	j.Notes += "\n" + entry
}

// Finish moves the job into a terminal status and stamps the finish time.
func (j *ConversionJob) Finish(status Status) {
	now := time.Now().UTC()
	j.Status = status
	j.JobFinished = &now
}

// EncodedFileURN is the source urn in the url-safe form the conversion service expects.
func (j *ConversionJob) EncodedFileURN() string {
	return EncodeURN(j.FileURN)
}

func (j *ConversionJob) EncodedInputStorageLocation() string {
	return EncodeURN(j.InputStorageLocation)
}

// EncodedStorageURN names the input actually submitted: the staged copy when
// one exists, otherwise the source file itself.
func (j *ConversionJob) EncodedStorageURN() string {
	if staged := j.EncodedInputStorageLocation(); staged != "" {
		return staged
	}
	return j.EncodedFileURN()
}

// StagingObjectName is the object key used when the source is copied into
// working storage.
func (j *ConversionJob) StagingObjectName() string {
	if j.IsCompositeDesign {
		return j.ID + ".zip"
	}
	return j.ID + ".rvt"
}

func EncodeURN(urn string) string {
	urn = strings.TrimSpace(urn)
	if urn == "" {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(urn))
}

func DecodeURN(encoded string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return "", fmt.Errorf("decode urn: %w", err)
	}
	return string(b), nil
}

package models

import "time"

// Schedule is a recurring conversion trigger over a set of folders and files.
type Schedule struct {
	ID            string           `json:"id"`
	HubID         string           `json:"hubId"`
	Region        string           `json:"region"`
	ProjectID     string           `json:"projectId"`
	Name          string           `json:"name"`
	Cron          string           `json:"cron"`
	TimeZoneID    string           `json:"timeZoneId"`
	SettingsName  string           `json:"ifcSettingsName"`
	FolderURNs    []string         `json:"folderUrns"`
	Files         []DiscoveredFile `json:"files"`
	LastStart     *time.Time       `json:"lastStart"`
	LastFileCount int              `json:"lastFileCount"`
	CreatedBy     string           `json:"createdBy"`
	EditedBy      string           `json:"editedBy"`
}

// Batch is an ad-hoc conversion request.
type Batch struct {
	Files        []DiscoveredFile `json:"files"`
	FolderURNs   []string         `json:"folderUrns"`
	SettingsName string           `json:"ifcSettingsName"`
}

package domain

import "time"

// Project groups pipeline runs under one repository configuration.
type Project struct {
	ID          string
	Name        string
	Description string
	ConfigPath  string
	CreatedAt   time.Time
}

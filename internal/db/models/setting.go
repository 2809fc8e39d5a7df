package models

import "time"

// Setting is one stored configuration value
type Setting struct {
	Key       string    `gorm:"column:key;primaryKey"`                                            // Setting name
	Value     string    `gorm:"column:value"`                                                     // Codec-encoded value
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime:false;default:CURRENT_TIMESTAMP"` // Time of the last save touching this key
}

// TableName pins the table name so files written by earlier builds stay readable
func (Setting) TableName() string {
	return "settings"
}

package model

// Category classifies products. Name is unique per tenant.
type Category struct {
	SyncMeta
	Name      string `gorm:"not null;index" json:"name"`
	SortOrder int    `gorm:"not null;default:0" json:"sortOrder"`
}

func (Category) TableName() string  { return "categories" }
func (Category) EntityName() string { return "categories" }

func (c *Category) NaturalKey() (string, string, bool) {
	return "name", c.Name, c.Name != ""
}

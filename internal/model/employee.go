package model

// Employee roles.
const (
	RoleOwner   = "owner"
	RoleManager = "manager"
	RoleCashier = "cashier"
	RoleStaff   = "staff"
)

// Employee is a till operator. The 4-digit PIN is unique within a tenant and
// stored as a bcrypt hash. The hash syncs to devices so PIN checks keep
// working offline; the raw PIN never leaves the create path.
type Employee struct {
	SyncMeta
	Name     string `gorm:"not null" json:"name"`
	Role     string `gorm:"type:varchar(20);not null" json:"role"`
	PINHash  string `gorm:"column:pin_hash;not null" json:"pinHash,omitempty"`
	PIN      string `gorm:"-" json:"pin,omitempty"` // inbound only, hashed on create
	IsActive bool   `gorm:"not null;default:true" json:"isActive"`
}

func (Employee) TableName() string  { return "employees" }
func (Employee) EntityName() string { return "employees" }

func (e *Employee) NaturalKey() (string, string, bool) {
	// PIN uniqueness is checked in the service layer (bcrypt hashes are not
	// queryable); the natural key only guards blind re-creates by name.
	return "name", e.Name, e.Name != ""
}

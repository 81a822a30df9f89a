package pii

// FieldConfig lists the sensitive columns of one table.
type FieldConfig struct {
	Table string
	// Fields are logical column names; ciphertext lives in Field+EncryptedSuffix.
	Fields []string
	// Hashed names the subset of Fields that also carry a "<field>_hash" column.
	Hashed []string
}

// DefaultPIIFields returns the contact columns encrypted at rest.
func DefaultPIIFields() []FieldConfig {
	return []FieldConfig{
		{
			Table:  "appointments",
			Fields: []string{"name", "email", "phone", "cpf", "rf", "user_ip"},
			Hashed: []string{"email", "cpf", "rf"},
		},
	}
}

// FieldsFor returns the configuration for table.
func FieldsFor(table string) (FieldConfig, bool) {
	for _, fc := range DefaultPIIFields() {
		if fc.Table == table {
			return fc, true
		}
	}
	return FieldConfig{}, false
}

// IsHashed reports whether field carries a lookup hash.
func (fc FieldConfig) IsHashed(field string) bool {
	for _, h := range fc.Hashed {
		if h == field {
			return true
		}
	}
	return false
}

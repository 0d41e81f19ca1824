package email

// Address is an email address.
type Address struct {
	Name string // proper name, may be empty
	Addr string // user@domain
}

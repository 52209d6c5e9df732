package directory

import (
	"context"
	"fmt"

	"github.com/go-ldap/ldap/v3"
)

// LDAPConfig describes how to reach and query a directory server, grounded
// on maddy's LDAP storage module's configuration surface.
type LDAPConfig struct {
	URL          string
	BindDN       string
	BindPassword string

	BaseDN       string
	UserFilter   string // e.g. "(&(objectClass=inetOrgPerson)(uid=%s))"
	GroupFilter  string // e.g. "(&(objectClass=groupOfNames)(cn=%s))"
	MailAttr     string // attribute holding an account's email addresses, e.g. "mail"
	NameAttr     string // attribute holding the account name, e.g. "uid"
	MemberAttr   string // attribute on a group entry listing member DNs or emails
	QuotaAttr    string // optional, e.g. "mailQuota"
}

// LDAPDirectory is a Directory backed by an LDAP server, dialed fresh per
// call (connection pooling is left to a future iteration; each operation
// here is already a single bind+search round trip, matching the coarse
// granularity at which an SMTP session consults the directory).
type LDAPDirectory struct {
	cfg LDAPConfig
}

// NewLDAPDirectory builds an LDAPDirectory from cfg.
func NewLDAPDirectory(cfg LDAPConfig) *LDAPDirectory {
	return &LDAPDirectory{cfg: cfg}
}

func (d *LDAPDirectory) dial(ctx context.Context) (*ldap.Conn, error) {
	conn, err := ldap.DialURL(d.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("directory: ldap dial: %w", err)
	}
	if d.cfg.BindDN != "" {
		if err := conn.Bind(d.cfg.BindDN, d.cfg.BindPassword); err != nil {
			conn.Close()
			return nil, fmt.Errorf("directory: ldap bind: %w", err)
		}
	}
	return conn, nil
}

func (d *LDAPDirectory) searchUser(conn *ldap.Conn, name string) (*ldap.Entry, error) {
	req := ldap.NewSearchRequest(
		d.cfg.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 1, 0, false,
		fmt.Sprintf(d.cfg.UserFilter, ldap.EscapeFilter(name)),
		[]string{d.cfg.NameAttr, d.cfg.MailAttr, d.cfg.QuotaAttr},
		nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("directory: ldap search: %w", err)
	}
	if len(res.Entries) == 0 {
		return nil, ErrNotFound
	}
	return res.Entries[0], nil
}

func (d *LDAPDirectory) searchGroup(conn *ldap.Conn, name string) (*ldap.Entry, error) {
	req := ldap.NewSearchRequest(
		d.cfg.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 1, 0, false,
		fmt.Sprintf(d.cfg.GroupFilter, ldap.EscapeFilter(name)),
		[]string{d.cfg.NameAttr, d.cfg.MemberAttr},
		nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("directory: ldap search: %w", err)
	}
	if len(res.Entries) == 0 {
		return nil, ErrNotFound
	}
	return res.Entries[0], nil
}

func entryToPrincipal(entry *ldap.Entry, nameAttr, mailAttr string, typ Type) *Principal {
	return &Principal{
		Name:   entry.GetAttributeValue(nameAttr),
		Type:   typ,
		Emails: entry.GetAttributeValues(mailAttr),
	}
}

func (d *LDAPDirectory) Authenticate(ctx context.Context, creds Credentials) (*Principal, error) {
	conn, err := d.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	entry, err := d.searchUser(conn, creds.Username)
	if err != nil {
		return nil, err
	}
	if err := conn.Bind(entry.DN, creds.Secret); err != nil {
		return nil, ErrNotFound
	}
	return entryToPrincipal(entry, d.cfg.NameAttr, d.cfg.MailAttr, Individual), nil
}

func (d *LDAPDirectory) Principal(ctx context.Context, name string) (*Principal, error) {
	conn, err := d.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	entry, err := d.searchUser(conn, name)
	if err != nil {
		return nil, err
	}
	return entryToPrincipal(entry, d.cfg.NameAttr, d.cfg.MailAttr, Individual), nil
}

func (d *LDAPDirectory) EmailsByName(ctx context.Context, name string) ([]string, error) {
	p, err := d.Principal(ctx, name)
	if err != nil {
		return nil, err
	}
	return p.Emails, nil
}

func (d *LDAPDirectory) NamesByEmail(ctx context.Context, addr string) ([]string, error) {
	conn, err := d.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req := ldap.NewSearchRequest(
		d.cfg.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		fmt.Sprintf("(%s=%s)", d.cfg.MailAttr, ldap.EscapeFilter(addr)),
		[]string{d.cfg.NameAttr},
		nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("directory: ldap search: %w", err)
	}
	names := make([]string, 0, len(res.Entries))
	for _, e := range res.Entries {
		names = append(names, e.GetAttributeValue(d.cfg.NameAttr))
	}
	return names, nil
}

func (d *LDAPDirectory) IsLocalDomain(ctx context.Context, domain string) (bool, error) {
	names, err := d.NamesByEmail(ctx, "postmaster@"+domain)
	if err != nil && err != ErrNotFound {
		return false, err
	}
	if len(names) > 0 {
		return true, nil
	}
	// Fall back to a domain-object existence check so domains without a
	// postmaster mailbox still resolve as local.
	conn, err := d.dial(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	req := ldap.NewSearchRequest(
		d.cfg.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 1, 0, false,
		fmt.Sprintf("(&(objectClass=dNSDomain)(dc=%s))", ldap.EscapeFilter(domain)),
		[]string{"dc"},
		nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return false, fmt.Errorf("directory: ldap search: %w", err)
	}
	return len(res.Entries) > 0, nil
}

func (d *LDAPDirectory) Rcpt(ctx context.Context, addr string) (bool, error) {
	names, err := d.NamesByEmail(ctx, addr)
	if err != nil {
		return false, err
	}
	return len(names) > 0, nil
}

func (d *LDAPDirectory) Vrfy(ctx context.Context, partial string) ([]string, error) {
	conn, err := d.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	req := ldap.NewSearchRequest(
		d.cfg.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		fmt.Sprintf(d.cfg.UserFilter, ldap.EscapeFilter(partial)+"*"),
		[]string{d.cfg.MailAttr},
		nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("directory: ldap search: %w", err)
	}
	var out []string
	for _, e := range res.Entries {
		out = append(out, e.GetAttributeValues(d.cfg.MailAttr)...)
	}
	return out, nil
}

func (d *LDAPDirectory) Expn(ctx context.Context, list string) ([]string, error) {
	conn, err := d.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	entry, err := d.searchGroup(conn, list)
	if err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return entry.GetAttributeValues(d.cfg.MemberAttr), nil
}

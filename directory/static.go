package directory

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/bobobo1618/mail-server/addrutil"
)

// Account is one configuration-loaded entry in a StaticDirectory.
type Account struct {
	Name   string
	Emails []string
	// Secret is either a plaintext password or a bcrypt hash (detected by
	// the "$2" prefix bcrypt hashes always carry).
	Secret  string
	Type    Type
	Quota   int64
	Members []string // populated for Type == List
}

// StaticDirectory is an in-memory Directory built from a fixed account
// list and a set of catch-all domains, suitable for tests and small
// deployments that don't need LDAP.
type StaticDirectory struct {
	mu           sync.RWMutex
	byName       map[string]*Account
	byEmail      map[string][]string // lowercased email -> account names
	localDomains map[string]bool
	catchAll     map[string]string // domain -> account name to receive catch-all mail
}

// NewStaticDirectory builds a StaticDirectory from accounts, the set of
// domains this server is authoritative for, and a domain->account map for
// catch-all delivery.
func NewStaticDirectory(accounts []Account, localDomains []string, catchAll map[string]string) *StaticDirectory {
	d := &StaticDirectory{
		byName:       make(map[string]*Account, len(accounts)),
		byEmail:      make(map[string][]string),
		localDomains: make(map[string]bool, len(localDomains)),
		catchAll:     make(map[string]string, len(catchAll)),
	}
	for _, dom := range localDomains {
		d.localDomains[strings.ToLower(dom)] = true
	}
	for k, v := range catchAll {
		d.catchAll[strings.ToLower(k)] = v
	}
	for i := range accounts {
		acc := accounts[i]
		d.byName[acc.Name] = &acc
		for _, e := range acc.Emails {
			key := strings.ToLower(e)
			d.byEmail[key] = append(d.byEmail[key], acc.Name)
		}
	}
	return d
}

// canonicalEmail strips a plus-tag (local+tag@domain -> local@domain) and
// lowercases, matching the plus-addressing equivalence spec.md requires of
// NamesByEmail.
func canonicalEmail(addr string) string {
	clean, ok := addrutil.Sanitize(addr)
	if !ok {
		return strings.ToLower(addr)
	}
	at := strings.LastIndex(clean, "@")
	if at < 0 {
		return clean
	}
	local, domain := clean[:at], clean[at+1:]
	if plus := strings.IndexByte(local, '+'); plus >= 0 {
		local = local[:plus]
	}
	return local + "@" + domain
}

func (d *StaticDirectory) lookupByEmail(addr string) ([]string, string) {
	canon := canonicalEmail(addr)
	d.mu.RLock()
	names := d.byEmail[canon]
	d.mu.RUnlock()
	if len(names) > 0 {
		return names, canon
	}
	return nil, canon
}

func (d *StaticDirectory) Authenticate(ctx context.Context, creds Credentials) (*Principal, error) {
	d.mu.RLock()
	acc, ok := d.byName[creds.Username]
	d.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if strings.HasPrefix(acc.Secret, "$2") {
		if bcrypt.CompareHashAndPassword([]byte(acc.Secret), []byte(creds.Secret)) != nil {
			return nil, ErrNotFound
		}
	} else if acc.Secret != creds.Secret {
		return nil, ErrNotFound
	}
	return toPrincipal(acc), nil
}

func (d *StaticDirectory) Principal(ctx context.Context, name string) (*Principal, error) {
	d.mu.RLock()
	acc, ok := d.byName[name]
	d.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return toPrincipal(acc), nil
}

func (d *StaticDirectory) EmailsByName(ctx context.Context, name string) ([]string, error) {
	d.mu.RLock()
	acc, ok := d.byName[name]
	d.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return acc.Emails, nil
}

func (d *StaticDirectory) NamesByEmail(ctx context.Context, addr string) ([]string, error) {
	names, canon := d.lookupByEmail(addr)
	if len(names) > 0 {
		return names, nil
	}
	_, domain := splitDomain(canon)
	d.mu.RLock()
	catchAllName, ok := d.catchAll[domain]
	d.mu.RUnlock()
	if ok {
		return []string{catchAllName}, nil
	}
	return nil, nil
}

func (d *StaticDirectory) IsLocalDomain(ctx context.Context, domain string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.localDomains[strings.ToLower(domain)], nil
}

func (d *StaticDirectory) Rcpt(ctx context.Context, addr string) (bool, error) {
	names, err := d.NamesByEmail(ctx, addr)
	if err != nil {
		return false, err
	}
	return len(names) > 0, nil
}

func (d *StaticDirectory) Vrfy(ctx context.Context, partial string) ([]string, error) {
	names, _ := d.lookupByEmail(partial)
	var out []string
	d.mu.RLock()
	for _, n := range names {
		if acc := d.byName[n]; acc != nil && acc.Type != List {
			out = append(out, acc.Emails...)
		}
	}
	d.mu.RUnlock()
	return out, nil
}

func (d *StaticDirectory) Expn(ctx context.Context, list string) ([]string, error) {
	d.mu.RLock()
	acc, ok := d.byName[list]
	d.mu.RUnlock()
	if !ok || acc.Type != List {
		return nil, nil
	}
	var out []string
	for _, member := range acc.Members {
		memberNames, _ := d.lookupByEmail(member)
		if len(memberNames) == 0 {
			out = append(out, member)
			continue
		}
		d.mu.RLock()
		for _, n := range memberNames {
			if ma := d.byName[n]; ma != nil {
				out = append(out, ma.Emails...)
			}
		}
		d.mu.RUnlock()
	}
	return out, nil
}

func toPrincipal(acc *Account) *Principal {
	return &Principal{
		Name:    acc.Name,
		Type:    acc.Type,
		Emails:  acc.Emails,
		Quota:   acc.Quota,
		Members: acc.Members,
	}
}

func splitDomain(addr string) (local, domain string) {
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return addr, ""
	}
	return addr[:at], addr[at+1:]
}

package memmod

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// UnresolvedSymbol is a reference no loaded module defines. Only strong
// references are collected as diagnostics; weak ones bind to zero.
type UnresolvedSymbol struct {
	Module string
	Name   string
	Weak   bool
}

func (u UnresolvedSymbol) Error() string {
	if u.Weak {
		return fmt.Sprintf("%s: unresolved weak symbol %q", u.Module, u.Name)
	}
	return fmt.Sprintf("%s: unresolved symbol %q", u.Module, u.Name)
}

// Diagnostics collects problems that did not stop a load.
type Diagnostics struct {
	Unresolved []UnresolvedSymbol
}

func (d *Diagnostics) add(u UnresolvedSymbol) {
	d.Unresolved = append(d.Unresolved, u)
}

func (d *Diagnostics) Len() int {
	return len(d.Unresolved)
}

// Err folds every diagnostic into one error, or nil when there are none.
func (d *Diagnostics) Err() error {
	var result *multierror.Error
	for _, u := range d.Unresolved {
		result = multierror.Append(result, u)
	}
	return result.ErrorOrNil()
}

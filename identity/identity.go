/*
Package identity resolves punch actors and decides who may report where.

PURPOSE:
  Master data lookups the engine consumes through production.ActorResolver
  and production.Authorizer. Employees and workstations live in the same
  store as orders; this package only reads them.

RESOLVERS:
  DirectoryResolver: The token is the employee number (badge scanners)
  TokenResolver:     The token is an HS256 JWT whose subject is the
                     employee number (tablets, API clients)

AUTHORIZATION:
  A workstation carries a list of authorized employee numbers. An empty
  list, or a workstation the directory does not know, is unrestricted.

SEE ALSO:
  - production/events.go: ActorResolver and Authorizer interfaces
  - api/handlers.go: Picks the resolver from config
*/
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/warp/punch-ledger/generic"
	"github.com/warp/punch-ledger/production"
)

// =============================================================================
// MASTER DATA
// =============================================================================

type Employee struct {
	Number string
	Name   string
	Active bool
}

type Workstation struct {
	ID               string
	Name             string
	AuthorizedActors []string
}

// Allows reports whether actorID may report on the workstation.
func (w *Workstation) Allows(actorID string) bool {
	if len(w.AuthorizedActors) == 0 {
		return true
	}
	for _, a := range w.AuthorizedActors {
		if a == actorID {
			return true
		}
	}
	return false
}

// Directory reads employees and workstations. Missing rows return
// generic.ErrNotFound.
type Directory interface {
	EmployeeByNumber(ctx context.Context, number string) (*Employee, error)
	Workstation(ctx context.Context, id string) (*Workstation, error)
}

// Registry writes master data. Used by fixtures and the CLI.
type Registry interface {
	Directory
	SaveEmployee(ctx context.Context, e Employee) error
	SaveWorkstation(ctx context.Context, w Workstation) error
	ListEmployees(ctx context.Context) ([]Employee, error)
}

// =============================================================================
// DIRECTORY RESOLVER
// =============================================================================

// DirectoryResolver treats the token as an employee number.
type DirectoryResolver struct {
	Directory Directory
}

func NewDirectoryResolver(d Directory) *DirectoryResolver {
	return &DirectoryResolver{Directory: d}
}

func (r *DirectoryResolver) ResolveActor(ctx context.Context, token string) (production.Actor, error) {
	return lookup(ctx, r.Directory, strings.TrimSpace(token))
}

func lookup(ctx context.Context, d Directory, number string) (production.Actor, error) {
	if number == "" {
		return production.Actor{}, fmt.Errorf("%w: empty token", production.ErrActorNotFound)
	}
	emp, err := d.EmployeeByNumber(ctx, number)
	if err != nil {
		if errors.Is(err, generic.ErrNotFound) {
			return production.Actor{}, fmt.Errorf("%w: %s", production.ErrActorNotFound, number)
		}
		return production.Actor{}, err
	}
	if !emp.Active {
		return production.Actor{}, fmt.Errorf("%w: %s is inactive", production.ErrActorNotFound, number)
	}
	return production.Actor{ID: emp.Number, Name: emp.Name}, nil
}

// =============================================================================
// WORKSTATION AUTHORIZER
// =============================================================================

type WorkstationAuthorizer struct {
	Directory Directory
}

func NewWorkstationAuthorizer(d Directory) *WorkstationAuthorizer {
	return &WorkstationAuthorizer{Directory: d}
}

func (a *WorkstationAuthorizer) Authorized(ctx context.Context, workstationID, actorID string) (bool, error) {
	ws, err := a.Directory.Workstation(ctx, workstationID)
	if err != nil {
		if errors.Is(err, generic.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	return ws.Allows(actorID), nil
}

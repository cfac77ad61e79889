package http

// Roles reconocidos en el claim "role" del token.
const (
	RoleOperator = "operador"   // soporte: reprocesa facturas en error
	RoleClerk    = "facturador" // caja/POS: emite y consulta
	RoleAuditor  = "auditor"    // solo lectura
)

// Permisos sobre facturas.
const (
	PermInvoiceCreate    = "invoices:create"
	PermInvoiceRead      = "invoices:read"
	PermInvoiceAuthorize = "invoices:check-authorization"
	PermInvoiceReprocess = "invoices:reprocess"
)

var rolePermissions = map[string][]string{
	RoleOperator: {PermInvoiceCreate, PermInvoiceRead, PermInvoiceAuthorize, PermInvoiceReprocess},
	RoleClerk:    {PermInvoiceCreate, PermInvoiceRead, PermInvoiceAuthorize},
	RoleAuditor:  {PermInvoiceRead},
}

// Principal identidad resuelta una sola vez en el middleware de auth.
type Principal struct {
	UserID      string
	Role        string
	Permissions map[string]bool
}

// Can indica si el principal tiene el permiso.
func (p Principal) Can(perm string) bool {
	return p.Permissions[perm]
}

// ResolvePrincipal construye el principal para un rol. ok=false si el rol no existe.
func ResolvePrincipal(userID, role string) (Principal, bool) {
	perms, ok := rolePermissions[role]
	if !ok {
		return Principal{}, false
	}
	p := Principal{UserID: userID, Role: role, Permissions: make(map[string]bool, len(perms))}
	for _, perm := range perms {
		p.Permissions[perm] = true
	}
	return p, true
}

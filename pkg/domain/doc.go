// Package domain defines the core types shared by the BudgetIQ edge gateway.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. Principals, routes, upstreams, request contexts, and audit
// events are modelled here; the auth, routing, dispatch, and audit packages
// implement behaviour on top of them.
//
// The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain

// Package routing resolves inbound method and path pairs to gateway routes.
//
// A Table is compiled once from route definitions, validated ahead of time so
// that no two routes for the same method are equally specific for any path, and
// never mutated afterwards. Holder publishes tables to concurrent readers with an
// atomic pointer swap so a reload is observed all at once or not at all.
package routing

// Package query_tools provides the query tool, read-only SQL over the
// session's relational projection.
//
// Statements must begin with SELECT and must not contain any write, DDL or
// pragma keyword. This lexical check is coarse; the projection itself is
// opened read-only, so a statement that slips past it still cannot write.
package query_tools

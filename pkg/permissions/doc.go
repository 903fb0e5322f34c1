// Package permissions stores grants and answers access checks.
//
// A grant gives a principal one action (read, update, delete or grant) on
// a resource. Checks walk the permission parent chain, so a grant on a
// parent covers every resource that names it as permission parent. Group
// grants apply to every member, and admins pass every check.
package permissions

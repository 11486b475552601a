// Package catalog holds the static tier catalog: which capabilities and
// quota ceilings each subscription tier grants. Tier definitions are
// deployment-time data; nothing in this service mutates them at runtime.
package catalog

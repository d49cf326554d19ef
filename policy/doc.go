// Package policy implements execution policies: predicate trees evaluated
// against the properties a worker node advertises, used by the driver to
// decide which nodes a job may run on.
//
// Leaves compare a node property (or a dynamic expression) with one or more
// values, test node addresses against subnets, run a script, delegate to a
// registered custom rule, or count matching nodes across the cluster.
// Combinators (AND, OR, XOR, NOT, Preference) combine child policies.
//
// Trees are immutable once built. A Context describing the job being
// scheduled is attached to the root with AttachContext before evaluation and
// is visible from every node of the tree.
//
// Policies round trip through an XML grammar: ToXML renders a tree and Parse
// builds one back.
package policy

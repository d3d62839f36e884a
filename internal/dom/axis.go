package dom

// Axis enumerates the XPath axes understood by the structural index.
type Axis int

const (
	AxisSelf Axis = iota
	AxisParent
	AxisChild
	AxisAttribute
	AxisDescendant
	AxisDescendantSelf
	AxisDescendantAttribute
	AxisAncestor
	AxisAncestorSelf
)

// NoContextID marks a query that carries no predicate context.
const NoContextID = -1

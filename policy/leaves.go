package policy

// Boolean node properties read by the zero argument leaves.
const (
	MasterNodeProperty   = "grid.node.provisioning.master"
	SlaveNodeProperty    = "grid.node.provisioning.slave"
	LocalChannelProperty = "grid.channel.local"
	PeerDriverProperty   = "grid.peer.driver"
)

// ConstantRule accepts or rejects every node.
type ConstantRule struct {
	node
	accept bool
}

func AcceptAll() *ConstantRule { return newConstant(true) }
func RejectAll() *ConstantRule { return newConstant(false) }

func newConstant(accept bool) *ConstantRule {
	r := &ConstantRule{accept: accept}
	r.init(r)
	return r
}

func (r *ConstantRule) Accepts(Properties) (bool, error) {
	return r.accept, nil
}

// FlagRule reads a boolean node property, falling back to a default when the
// node does not advertise it.
type FlagRule struct {
	node
	tag      string
	property string
	def      bool
}

func newFlag(tag, property string, def bool) *FlagRule {
	r := &FlagRule{tag: tag, property: property, def: def}
	r.init(r)
	return r
}

// IsMasterNode accepts nodes able to provision slave nodes.
func IsMasterNode() *FlagRule { return newFlag("IsMasterNode", MasterNodeProperty, false) }

// IsSlaveNode accepts nodes started by a master node.
func IsSlaveNode() *FlagRule { return newFlag("IsSlaveNode", SlaveNodeProperty, false) }

// IsLocalChannel accepts nodes running inside the driver process.
func IsLocalChannel() *FlagRule { return newFlag("IsLocalChannel", LocalChannelProperty, false) }

// IsPeerDriver accepts channels that are other drivers.
func IsPeerDriver() *FlagRule { return newFlag("IsPeerDriver", PeerDriverProperty, false) }

func (r *FlagRule) Tag() string { return r.tag }

func (r *FlagRule) Accepts(info Properties) (bool, error) {
	v, ok := GetProperty(info, r.property)
	if !ok {
		return r.def, nil
	}
	return coerce(ValueBoolean, v).(bool), nil
}

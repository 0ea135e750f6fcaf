package klass

// The implementor slot of an interface records its sole implementing class.
// It holds nil when there is none, the class when there is exactly one and
// the interface itself when there are several.

// Implementor returns the interface's implementor slot.
func (k *Klass) Implementor() *Klass { return k.implementor.Load() }

// IsManyImplementors reports whether impl, as returned by Implementor, means
// "more than one".
func (k *Klass) IsManyImplementors(impl *Klass) bool { return impl == k }

// SoleImplementor returns the single implementing class, or nil when there
// are none or several.
func (k *Klass) SoleImplementor() *Klass {
	impl := k.Implementor()
	if impl == k {
		return nil
	}
	return impl
}

// AddImplementor records c as an implementor of interface k and of every
// interface k extends. Interfaces and classes whose superclass already
// implements k are not recorded.
func (k *Klass) AddImplementor(c *Klass) {
	if !k.IsInterface() || c.IsInterface() {
		return
	}
	if s := c.Super(); s != nil && s.ImplementsInterface(k) {
		return
	}
	for {
		cur := k.implementor.Load()
		var next *Klass
		switch {
		case cur == nil:
			next = c
		case cur != k && cur != c:
			next = k
		default:
			next = cur
		}
		if next == cur || k.implementor.CompareAndSwap(cur, next) {
			break
		}
	}
	for _, i := range k.localInterfaces {
		i.AddImplementor(c)
	}
}

// ResetImplementor clears the slot.
func (k *Klass) ResetImplementor() { k.implementor.Store(nil) }

// ReplaceImplementor moves the slot of k and every interface it extends
// from old to n. Redefinition uses it so the slot names the current version.
func (k *Klass) ReplaceImplementor(old, n *Klass) {
	if !k.IsInterface() {
		return
	}
	k.implementor.CompareAndSwap(old, n)
	for _, i := range k.localInterfaces {
		i.ReplaceImplementor(old, n)
	}
}

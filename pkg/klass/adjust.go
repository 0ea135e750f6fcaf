package klass

// Current returns the newest version of k, following redefinitions.
func (k *Klass) Current() *Klass {
	for n := k.RedefinedBy(); n != nil; n = k.RedefinedBy() {
		k = n
	}
	return k
}

// AdjustForRedefinition points k's references to old at n: its supertypes,
// the resolved entries of its cache and the slots of its dispatch tables. A
// resolved member n no longer has is cleared so the next use resolves it
// again. It returns the number of references changed. Safepoint only.
func (k *Klass) AdjustForRedefinition(old, n *Klass) int {
	changed := 0
	if k.super == old {
		k.super = n
		changed++
	}
	for i, s := range k.localInterfaces {
		if s == old {
			k.localInterfaces[i] = n
			changed++
		}
	}

	if c := k.pool.Cache(); c != nil {
		for i := range c.Entries {
			e := &c.Entries[i]
			r := e.Resolved()
			if r == nil || !r.references(old) {
				continue
			}
			e.resolved.Store(r.adjusted(old, n))
			changed++
		}
	}

	t := k.Tables()
	if t == nil {
		return changed
	}
	for i, m := range t.VTable {
		if m == nil || m.holder != old {
			continue
		}
		// A method n dropped keeps its slot: the slot order of subclasses
		// depends on it, and it is obsolete so nothing runs it.
		if nm := n.LookupMethod(m.name, m.signature); nm != nil {
			t.VTable[i] = nm
			changed++
		}
	}
	if row, ok := t.ITable[old]; ok {
		delete(t.ITable, old)
		t.ITable[n] = row
		changed++
	}
	for _, row := range t.ITable {
		for i, m := range row {
			if m == nil || m.holder != old {
				continue
			}
			if nm := n.LookupMethod(m.name, m.signature); nm != nil {
				row[i] = nm
				changed++
			}
		}
	}
	return changed
}

func (r *Resolution) references(old *Klass) bool {
	return r.Klass == old ||
		(r.Method != nil && r.Method.holder == old) ||
		(r.Field != nil && r.Field.holder == old)
}

// adjusted returns r retargeted from old to n, or nil when the member is
// gone from n.
func (r *Resolution) adjusted(old, n *Klass) *Resolution {
	nr := *r
	if nr.Klass == old {
		nr.Klass = n
	}
	if r.Method != nil && r.Method.holder == old {
		if nr.Method = n.LookupMethod(r.Method.name, r.Method.signature); nr.Method == nil {
			return nil
		}
	}
	if r.Field != nil && r.Field.holder == old {
		if nr.Field = n.LookupField(r.Field.name, r.Field.descriptor); nr.Field == nil {
			return nil
		}
	}
	return &nr
}

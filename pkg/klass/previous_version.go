package klass

// PreviousVersion retains a superseded constant pool and the equivalent
// methods that were executing when the class was redefined.
type PreviousVersion struct {
	Pool *ConstantPool
	// EMCPMethods are the retained methods. A nil slice marks a version in
	// which every method was obsolete; an empty non-nil slice means every
	// retained method has since been released.
	EMCPMethods []*Method
	Next        *PreviousVersion
}

// AllObsolete reports whether the version was recorded with no equivalent
// methods at all.
func (pv *PreviousVersion) AllObsolete() bool { return pv.EMCPMethods == nil }

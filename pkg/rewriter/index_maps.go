package rewriter

import (
	"fmt"

	"github.com/daimatz/linkvm/pkg/classfile"
	"github.com/daimatz/linkvm/pkg/klass"
)

// maxIndex is the largest cache or resolved-reference index a u2 operand
// can carry.
const maxIndex = 0xFFFF

// IndexMaps relates constant-pool indices to cache and resolved-reference
// indices.
type IndexMaps struct {
	cpToCache []int
	cacheToCP []uint16
	cpToRef   []int
	refToCP   []uint16
	// invokers memoizes, per pool index, whether a method reference names a
	// signature-polymorphic method: 0 unknown, 1 yes, -1 no. It is nil when
	// the pool never mentions MethodHandle or VarHandle.
	invokers []int8

	firstIterationLimit    int
	resolvedReferenceLimit int
}

// ComputeIndexMaps scans pool once. Field, method and interface-method
// references get cache entries; strings, method handles, method types and
// dynamic constants get resolved-reference entries.
func ComputeIndexMaps(pool *klass.ConstantPool) (*IndexMaps, error) {
	n := pool.Len()
	m := &IndexMaps{
		cpToCache: make([]int, n),
		cpToRef:   make([]int, n),
	}
	for i := range m.cpToCache {
		m.cpToCache[i] = -1
		m.cpToRef[i] = -1
	}

	sawMHSymbol := false
	entries := pool.Entries()
	for i := 1; i < n; i++ {
		switch pool.Tag(i) {
		case classfile.TagFieldref, classfile.TagMethodref, classfile.TagInterfaceMethodref:
			m.cpToCache[i] = len(m.cacheToCP)
			m.cacheToCP = append(m.cacheToCP, uint16(i))
		case classfile.TagString, classfile.TagMethodHandle, classfile.TagMethodType, classfile.TagDynamic:
			m.cpToRef[i] = len(m.refToCP)
			m.refToCP = append(m.refToCP, uint16(i))
		case classfile.TagUtf8:
			s := entries[i].(*classfile.ConstantUtf8).Value
			if s == classfile.MethodHandleClass || s == classfile.VarHandleClass {
				sawMHSymbol = true
			}
		}
	}

	m.firstIterationLimit = len(m.cacheToCP)
	m.resolvedReferenceLimit = len(m.refToCP)
	if len(m.cacheToCP)-1 > maxIndex {
		return nil, fmt.Errorf("%d cache entries overflow u2 indices", len(m.cacheToCP))
	}
	if sawMHSymbol {
		m.invokers = make([]int8, n)
	}
	return m, nil
}

// mapsFromCache rebuilds the reverse mapping of a published cache.
func mapsFromCache(c *klass.CPCache) *IndexMaps {
	m := &IndexMaps{
		cacheToCP:              make([]uint16, len(c.Entries)),
		refToCP:                c.RefToPool,
		firstIterationLimit:    c.FirstIterationLimit,
		resolvedReferenceLimit: c.ResolvedReferenceLimit,
	}
	for i := range c.Entries {
		m.cacheToCP[i] = c.Entries[i].CPIndex
	}
	return m
}

// CacheIndex returns the first-iteration cache index of a pool entry.
func (m *IndexMaps) CacheIndex(cpIndex int) (int, bool) {
	if cpIndex <= 0 || cpIndex >= len(m.cpToCache) || m.cpToCache[cpIndex] < 0 {
		return 0, false
	}
	return m.cpToCache[cpIndex], true
}

// ReferenceIndex returns the resolved-reference index of a pool entry.
func (m *IndexMaps) ReferenceIndex(cpIndex int) (int, bool) {
	if cpIndex <= 0 || cpIndex >= len(m.cpToRef) || m.cpToRef[cpIndex] < 0 {
		return 0, false
	}
	return m.cpToRef[cpIndex], true
}

// CacheLength is the number of cache entries, including entries added for
// invokespecial on interface methods.
func (m *IndexMaps) CacheLength() int { return len(m.cacheToCP) }

// FirstIterationLimit is the number of entries created by the pool scan.
func (m *IndexMaps) FirstIterationLimit() int { return m.firstIterationLimit }

// ResolvedReferenceLimit is the number of pool-backed resolved references.
func (m *IndexMaps) ResolvedReferenceLimit() int { return m.resolvedReferenceLimit }

// TracksInvokeHandles reports whether the pool mentions MethodHandle or
// VarHandle, enabling invokehandle rewriting.
func (m *IndexMaps) TracksInvokeHandles() bool { return m.invokers != nil }

// addInvokespecialEntry returns a cache entry for an invokespecial of an
// interface method. These entries live past the first-iteration limit and
// are shared by all such call sites of the same pool entry.
func (m *IndexMaps) addInvokespecialEntry(cpIndex uint16) int {
	for i := m.firstIterationLimit; i < len(m.cacheToCP); i++ {
		if m.cacheToCP[i] == cpIndex {
			return i
		}
	}
	m.cacheToCP = append(m.cacheToCP, cpIndex)
	return len(m.cacheToCP) - 1
}

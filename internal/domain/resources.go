package domain

import (
	"fmt"
	"math"
	"net/netip"
	"sort"
	"strconv"
	"strings"
)

// ResourceSet はAS番号とIPアドレスの集合を表す。ゼロ値は空集合。
// 内部表現は常に正規化（ソート済み・重複/隣接なし）されている。
type ResourceSet struct {
	asns []span[uint32]
	ips  []span[netip.Addr]
}

type span[T any] struct {
	start, end T
}

type spanOps[T any] struct {
	cmp  func(a, b T) int
	next func(a T) (T, bool)
	prev func(a T) (T, bool)
}

var asnOps = spanOps[uint32]{
	cmp: func(a, b uint32) int {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	},
	next: func(a uint32) (uint32, bool) {
		if a == math.MaxUint32 {
			return 0, false
		}
		return a + 1, true
	},
	prev: func(a uint32) (uint32, bool) {
		if a == 0 {
			return 0, false
		}
		return a - 1, true
	},
}

var ipOps = spanOps[netip.Addr]{
	cmp: func(a, b netip.Addr) int { return a.Compare(b) },
	next: func(a netip.Addr) (netip.Addr, bool) {
		n := a.Next()
		return n, n.IsValid()
	},
	prev: func(a netip.Addr) (netip.Addr, bool) {
		p := a.Prev()
		return p, p.IsValid()
	},
}

// AllResources は全AS番号・全IPv4・全IPv6を含む集合を返す。
func AllResources() ResourceSet {
	return ResourceSet{
		asns: []span[uint32]{{0, math.MaxUint32}},
		ips: []span[netip.Addr]{
			{netip.IPv4Unspecified(), lastAddr(netip.PrefixFrom(netip.IPv4Unspecified(), 0))},
			{netip.IPv6Unspecified(), lastAddr(netip.PrefixFrom(netip.IPv6Unspecified(), 0))},
		},
	}
}

// ParseResourceSet はカンマ区切りのリソース表記を解析する。
// 例: "AS64496-AS64511, 10.0.0.0/8, 192.0.2.1-192.0.2.9, 2001:db8::/32"
func ParseResourceSet(s string) (ResourceSet, error) {
	var asns []span[uint32]
	var ips []span[netip.Addr]
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if strings.HasPrefix(strings.ToUpper(item), "AS") {
			r, err := parseASNRange(item)
			if err != nil {
				return ResourceSet{}, err
			}
			asns = append(asns, r)
			continue
		}
		r, err := parseIPRange(item)
		if err != nil {
			return ResourceSet{}, err
		}
		ips = append(ips, r)
	}
	return ResourceSet{
		asns: normalize(asnOps, asns),
		ips:  normalize(ipOps, ips),
	}, nil
}

// MustParseResourceSet は解析に失敗した場合panicする。テストと定数定義用。
func MustParseResourceSet(s string) ResourceSet {
	rs, err := ParseResourceSet(s)
	if err != nil {
		panic(err)
	}
	return rs
}

func parseASN(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if len(s) > 2 && strings.EqualFold(s[:2], "AS") {
		s = s[2:]
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: bad ASN %q", ErrInvalidResourceSet, s)
	}
	return uint32(n), nil
}

func parseASNRange(item string) (span[uint32], error) {
	from, to, isRange := strings.Cut(item, "-")
	start, err := parseASN(from)
	if err != nil {
		return span[uint32]{}, err
	}
	end := start
	if isRange {
		if end, err = parseASN(to); err != nil {
			return span[uint32]{}, err
		}
	}
	if start > end {
		return span[uint32]{}, fmt.Errorf("%w: inverted ASN range %q", ErrInvalidResourceSet, item)
	}
	return span[uint32]{start, end}, nil
}

func parseIPRange(item string) (span[netip.Addr], error) {
	if strings.Contains(item, "/") {
		p, err := netip.ParsePrefix(item)
		if err != nil {
			return span[netip.Addr]{}, fmt.Errorf("%w: %v", ErrInvalidResourceSet, err)
		}
		p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-unmappedOffset(p.Addr()))
		if p.Masked() != p {
			return span[netip.Addr]{}, fmt.Errorf("%w: prefix %q has host bits set", ErrInvalidResourceSet, item)
		}
		return span[netip.Addr]{p.Addr(), lastAddr(p)}, nil
	}
	from, to, isRange := strings.Cut(item, "-")
	start, err := netip.ParseAddr(strings.TrimSpace(from))
	if err != nil {
		return span[netip.Addr]{}, fmt.Errorf("%w: %v", ErrInvalidResourceSet, err)
	}
	start = start.Unmap()
	end := start
	if isRange {
		if end, err = netip.ParseAddr(strings.TrimSpace(to)); err != nil {
			return span[netip.Addr]{}, fmt.Errorf("%w: %v", ErrInvalidResourceSet, err)
		}
		end = end.Unmap()
	}
	if start.BitLen() != end.BitLen() || start.Compare(end) > 0 {
		return span[netip.Addr]{}, fmt.Errorf("%w: bad address range %q", ErrInvalidResourceSet, item)
	}
	return span[netip.Addr]{start, end}, nil
}

// ::ffff:a.b.c.d/n 形式をIPv4のプレフィックス長に合わせる。
func unmappedOffset(a netip.Addr) int {
	if a.Is4In6() {
		return 96
	}
	return 0
}

func lastAddr(p netip.Prefix) netip.Addr {
	b := p.Masked().Addr().AsSlice()
	for i := p.Bits(); i < len(b)*8; i++ {
		b[i/8] |= 1 << (7 - i%8)
	}
	a, _ := netip.AddrFromSlice(b)
	return a
}

func normalize[T any](ops spanOps[T], in []span[T]) []span[T] {
	if len(in) == 0 {
		return nil
	}
	sorted := make([]span[T], len(in))
	copy(sorted, in)
	sort.Slice(sorted, func(i, j int) bool { return ops.cmp(sorted[i].start, sorted[j].start) < 0 })

	out := []span[T]{sorted[0]}
	for _, s := range sorted[1:] {
		last := &out[len(out)-1]
		adjacent := false
		if n, ok := ops.next(last.end); ok && ops.cmp(n, s.start) == 0 {
			adjacent = true
		}
		if ops.cmp(s.start, last.end) <= 0 || adjacent {
			if ops.cmp(s.end, last.end) > 0 {
				last.end = s.end
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

func subtract[T any](ops spanOps[T], a, b []span[T]) []span[T] {
	var result []span[T]
	for _, s := range a {
		pieces := []span[T]{s}
		for _, r := range b {
			var cut []span[T]
			for _, p := range pieces {
				if ops.cmp(r.end, p.start) < 0 || ops.cmp(r.start, p.end) > 0 {
					cut = append(cut, p)
					continue
				}
				if ops.cmp(r.start, p.start) > 0 {
					e, _ := ops.prev(r.start)
					cut = append(cut, span[T]{p.start, e})
				}
				if ops.cmp(r.end, p.end) < 0 {
					st, _ := ops.next(r.end)
					cut = append(cut, span[T]{st, p.end})
				}
			}
			pieces = cut
		}
		result = append(result, pieces...)
	}
	return normalize(ops, result)
}

func intersect[T any](ops spanOps[T], a, b []span[T]) []span[T] {
	var result []span[T]
	for _, x := range a {
		for _, y := range b {
			start, end := x.start, x.end
			if ops.cmp(y.start, start) > 0 {
				start = y.start
			}
			if ops.cmp(y.end, end) < 0 {
				end = y.end
			}
			if ops.cmp(start, end) <= 0 {
				result = append(result, span[T]{start, end})
			}
		}
	}
	return normalize(ops, result)
}

func equalSpans[T any](ops spanOps[T], a, b []span[T]) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if ops.cmp(a[i].start, b[i].start) != 0 || ops.cmp(a[i].end, b[i].end) != 0 {
			return false
		}
	}
	return true
}

// IsEmpty は集合が空かどうかを返す。
func (r ResourceSet) IsEmpty() bool {
	return len(r.asns) == 0 && len(r.ips) == 0
}

// Equal は完全一致を判定する（部分集合ではない）。
func (r ResourceSet) Equal(other ResourceSet) bool {
	return equalSpans(asnOps, r.asns, other.asns) && equalSpans(ipOps, r.ips, other.ips)
}

// Contains はotherがrの部分集合かどうかを返す。
func (r ResourceSet) Contains(other ResourceSet) bool {
	return other.Difference(r).IsEmpty()
}

// Difference はrからotherを除いた集合を返す。
func (r ResourceSet) Difference(other ResourceSet) ResourceSet {
	return ResourceSet{
		asns: subtract(asnOps, r.asns, other.asns),
		ips:  subtract(ipOps, r.ips, other.ips),
	}
}

// Intersect は共通部分を返す。
func (r ResourceSet) Intersect(other ResourceSet) ResourceSet {
	return ResourceSet{
		asns: intersect(asnOps, r.asns, other.asns),
		ips:  intersect(ipOps, r.ips, other.ips),
	}
}

// Union は和集合を返す。
func (r ResourceSet) Union(other ResourceSet) ResourceSet {
	return ResourceSet{
		asns: normalize(asnOps, append(append([]span[uint32]{}, r.asns...), other.asns...)),
		ips:  normalize(ipOps, append(append([]span[netip.Addr]{}, r.ips...), other.ips...)),
	}
}

// String は正規化された表記を返す。ParseResourceSetで元に戻せる。
func (r ResourceSet) String() string {
	parts := make([]string, 0, len(r.asns)+len(r.ips))
	for _, a := range r.asns {
		if a.start == a.end {
			parts = append(parts, fmt.Sprintf("AS%d", a.start))
		} else {
			parts = append(parts, fmt.Sprintf("AS%d-AS%d", a.start, a.end))
		}
	}
	for _, s := range r.ips {
		parts = append(parts, ipSpanString(s))
	}
	return strings.Join(parts, ", ")
}

// MarshalText は String と同じ表記を返す。
func (r ResourceSet) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *ResourceSet) UnmarshalText(text []byte) error {
	parsed, err := ParseResourceSet(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func ipSpanString(s span[netip.Addr]) string {
	for bits := 0; bits <= s.start.BitLen(); bits++ {
		p := netip.PrefixFrom(s.start, bits)
		if p.Masked().Addr() == s.start && lastAddr(p) == s.end {
			return p.String()
		}
	}
	return s.start.String() + "-" + s.end.String()
}

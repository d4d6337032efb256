package tlv

import "strconv"

// Q9 is one range profile bin as transmitted by the sensor: a 16-bit word
// with the sign in bit 0, a 9-bit integer part in bits 1..9 and a 5-bit
// fraction field in bits 10..14.
//
// The firmware's own tooling prints the value as "[-]integer.fraction", with
// the fraction field written in decimal, so sign=1 integer=3 fraction=16 is
// -3.16. String and Float64 follow that convention.
type Q9 uint16

const (
	q9SignMask     = 0x1
	q9IntegerMask  = 0x1FF
	q9IntegerShift = 1
	q9FracMask     = 0x1F
	q9FracShift    = 10
)

// NewQ9 packs the three fields. Out of range integer and fraction values are
// truncated to their field width.
func NewQ9(negative bool, integer, fraction uint16) Q9 {
	v := (integer&q9IntegerMask)<<q9IntegerShift | (fraction&q9FracMask)<<q9FracShift
	if negative {
		v |= q9SignMask
	}
	return Q9(v)
}

func (q Q9) Negative() bool   { return q&q9SignMask != 0 }
func (q Q9) Integer() uint16  { return uint16(q>>q9IntegerShift) & q9IntegerMask }
func (q Q9) Fraction() uint16 { return uint16(q>>q9FracShift) & q9FracMask }

func (q Q9) appendText(b []byte) []byte {
	if q.Negative() {
		b = append(b, '-')
	}
	b = strconv.AppendUint(b, uint64(q.Integer()), 10)
	b = append(b, '.')
	return strconv.AppendUint(b, uint64(q.Fraction()), 10)
}

func (q Q9) String() string {
	return string(q.appendText(make([]byte, 0, 8)))
}

// Float64 returns the numeric value of the rendered form.
func (q Q9) Float64() float64 {
	v, err := strconv.ParseFloat(q.String(), 64)
	if err != nil {
		// String always yields a valid decimal literal.
		panic(err)
	}
	return v
}

// MarshalJSON emits the rendered form as a bare JSON number.
func (q Q9) MarshalJSON() ([]byte, error) {
	return q.appendText(make([]byte, 0, 8)), nil
}

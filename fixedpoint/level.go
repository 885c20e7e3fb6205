package fixedpoint

// Level is a [price_fp, qty_fp] pair.
type Level [2]int64

func (l Level) Price() int64 { return l[0] }

func (l Level) Qty() int64 { return l[1] }

// NormalizeLevel converts one [price, qty] pair, each with its own codec.
func NormalizeLevel(price, qty *Codec, p, q string) (Level, error) {
	pfp, err := price.Decode(p)
	if err != nil {
		return Level{}, err
	}
	qfp, err := qty.Decode(q)
	if err != nil {
		return Level{}, err
	}
	return Level{pfp, qfp}, nil
}

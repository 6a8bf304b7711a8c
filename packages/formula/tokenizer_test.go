package formula

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		formula string
		postfix bool
		want    string
	}{
		{"=1+2*3", false, "R_1(1 + 2 * 3)"},
		{"=1+2*3", true, "R_1(1 2 3 * +)"},
		{"=(1+2)*3", true, "R_1(P_1(1 2 +) 3 *)"},
		{"=2^3^2", true, "R_1(2 3 ^ 2 ^)"},
		{"=SUM(, A1:B1)", true, "R_1(SUM(P_1() P_1(:(A1 B1))))"},
		{"=-@A1:B1", true, "R_1(-(@(:(A1 B1))))"},
		{"=--A1", true, "R_1(-(-(A1)))"},
		{"=-A1%", true, "R_1(%(-(A1)))"},
		{"=50%%", true, "R_1(%(%(50)))"},
		{"=A1#", true, "R_1(#(A1))"},
		{"=A1&\"x\"", true, "R_1(A1 \"x\" &)"},
		{"=PI()", true, "R_1(PI())"},
		{"=Sheet2!A1:B2", true, "R_1(:(Sheet2!A1 B2))"},
		{"='My Sheet'!A1", true, "R_1('My Sheet'!A1)"},
		{"=Sales[Amount]", true, "R_1(Sales[Amount])"},
		{"={1,2;3,4}", true, "R_1({1,2;3,4})"},
		{"=#N/A", true, "R_1(#N/A)"},
		{"=true", true, "R_1(TRUE)"},
		{"=LAMBDA(x, x+1)(2)", true, "R_1(L_1(LAMBDA(P_1(x) P_1(x 1 +)) P_1(2)))"},
		{"=(A1:A3,C1)", true, "R_1(P_1(:(A1 A3) C1 ,))"},
		{"=1.5e3", true, "R_1(1.5e3)"},
	}

	for _, tt := range tests {
		t.Run(tt.formula, func(t *testing.T) {
			tree, err := Tokenize(tt.formula, tt.postfix)
			require.NoError(t, err)
			assert.Equal(t, tt.want, tree.String())
		})
	}
}

func TestTokenizePositions(t *testing.T) {
	tree, err := Tokenize("=SUM(1,2)", true)
	require.NoError(t, err)
	assert.Equal(t, 0, tree.Start)
	assert.Equal(t, 9, tree.End)

	require.Len(t, tree.Children, 1)
	sum, ok := tree.Children[0].(*TokenNode)
	require.True(t, ok)
	assert.Equal(t, "SUM", sum.Token)
	assert.Equal(t, 1, sum.Start)
	assert.Equal(t, 9, sum.End)

	intersect, err := Tokenize("=@A1:B1", true)
	require.NoError(t, err)
	at := intersect.Children[0].(*TokenNode)
	assert.Equal(t, -1, at.Start)
	assert.Equal(t, -1, at.End)
	rng := at.Children[0].(*TokenNode)
	assert.Equal(t, ":", rng.Token)
	assert.Equal(t, -1, rng.Start)
}

func TestTokenizeErrors(t *testing.T) {
	invalid := []string{
		"=",
		"=SUM(",
		"=A1:",
		`="hello`,
		"=1+",
		"=(1",
		"=1)",
		"=SUM(1 2)",
		"={1,2",
		"=#BOGUS!",
		"=A1 ~ B1",
	}

	for _, formula := range invalid {
		t.Run(formula, func(t *testing.T) {
			_, err := Tokenize(formula, true)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrLexical), "error %v does not match ErrLexical", err)
			var lexErr *LexError
			assert.ErrorAs(t, err, &lexErr)
		})
	}
}

func TestTokenizeDeterministic(t *testing.T) {
	formula := "=IF(SUM(A1:A10)>100, LET(x, B1*2, x+C1), -@D1:D3%)"
	first, err := Tokenize(formula, true)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Tokenize(formula, true)
		require.NoError(t, err)
		assert.Equal(t, first.String(), again.String())
	}
}

func TestTokenizeRepeatedly(t *testing.T) {
	formula := `=LET(base, 'Data Sheet'!A1:B10, ` +
		`scale, LAMBDA(x, MAP({1,2;3,4}, LAMBDA(y, y*x)))(2), ` +
		`total, SUM(base, Sheet2!C1:C20)%, ` +
		`result, IF(total>{10,20;30,40}, SUM(scale)*-@Sheet2!D1:D5, ` +
		`LAMBDA(a, b, CONCATENATE(a, "-", b))("x", total)&[Book1]Sheet1!E5), ` +
		`MAP({"a","b";"c","d"}, LAMBDA(v, LAMBDA(w, UPPER(w)&v)(v))))`
	require.Greater(t, len(formula), 300)

	want, err := Tokenize(formula, true)
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 1000; i++ {
		tree, err := Tokenize(formula, true)
		require.NoError(t, err)
		require.Equal(t, len(want.Children), len(tree.Children))
	}
	assert.Less(t, time.Since(start), 5*time.Second)
}

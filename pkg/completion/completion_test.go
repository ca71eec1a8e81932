package completion

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/harun/appgen/pkg/marker"
	"github.com/harun/appgen/pkg/upstream"
)

func observe(text string) marker.Observation {
	s := marker.NewScanner()
	s.Feed(text)
	s.Flush()
	return s.Observation()
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		stop upstream.Stop
		err  error
		text string
		want Outcome
	}{
		{
			name: "finished literal",
			stop: upstream.Stop{Reason: upstream.StopSequence, Sequence: marker.FinishedLiteral},
			want: AppFinished,
		},
		{
			name: "end of app literal",
			stop: upstream.Stop{Reason: upstream.StopSequence, Sequence: marker.EndOfAppLiteral},
			want: AppFinished,
		},
		{
			name: "end of file literal",
			stop: upstream.Stop{Reason: upstream.StopSequence, Sequence: marker.EndOfFileLiteral},
			text: "/* FILE: a.ts */\nx\n",
			want: FileBoundary,
		},
		{
			name: "max tokens",
			stop: upstream.Stop{Reason: upstream.StopMaxTokens},
			text: "/* FILE: a.ts */\nlots of text",
			want: LengthTruncated,
		},
		{
			name: "call error wins",
			stop: upstream.Stop{Reason: upstream.StopSequence, Sequence: marker.FinishedLiteral},
			err:  errors.New("boom"),
			want: TransientFailure,
		},
		{
			name: "finished seen in text",
			stop: upstream.Stop{Reason: upstream.StopEndTurn},
			text: "/* FILE: a */\nx\n/* END_FILE */\n/* FINISHED */",
			want: AppFinished,
		},
		{
			name: "end of app seen in truncated text",
			stop: upstream.Stop{Reason: upstream.StopMaxTokens},
			text: "x\n/* END_APP */",
			want: AppFinished,
		},
		{
			name: "end of file seen in text",
			stop: upstream.Stop{Reason: upstream.StopEndTurn},
			text: "/* FILE: a */\nx\n/* END_FILE */",
			want: FileBoundary,
		},
		{
			name: "natural end without marker",
			stop: upstream.Stop{Reason: upstream.StopEndTurn},
			text: "some text",
			want: FileBoundary,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.stop, tt.err, observe(tt.text)))
		})
	}
}

func TestOutcomeContinues(t *testing.T) {
	assert.True(t, FileBoundary.Continues())
	assert.True(t, LengthTruncated.Continues())
	assert.False(t, AppFinished.Continues())
	assert.False(t, TransientFailure.Continues())
}

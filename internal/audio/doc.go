// Package audio handles reassembly of raw transport fragments into
// fixed-size audio windows. It implements strictly-ordered accumulation
// with a flush-on-close partial window, plus WAV container encoding for
// processing endpoints that cannot consume raw PCM.
package audio

package volume

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

type fakeSecrets struct {
	calls int
	data  map[string]*corev1.Secret
}

func (f *fakeSecrets) GetSecret(ctx context.Context, ns, name string) (*corev1.Secret, error) {
	f.calls++
	return f.data[ns+"/"+name], nil
}

type fakeConfigMaps struct {
	data map[string]*corev1.ConfigMap
}

func (f *fakeConfigMaps) GetConfigMap(ctx context.Context, ns, name string) (*corev1.ConfigMap, error) {
	return f.data[ns+"/"+name], nil
}

func TestMaterializeWritesSecretFiles(t *testing.T) {
	dir := t.TempDir()
	secrets := &fakeSecrets{data: map[string]*corev1.Secret{
		"default/creds": {
			ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "creds"},
			Data:       map[string][]byte{"token": []byte("sekrit")},
		},
	}}
	r := NewResolver(secrets, &fakeConfigMaps{}, dir, time.Minute, 16)

	refs, err := r.Materialize(context.Background(), "default", "mypod", []corev1.Volume{
		{Name: "creds-vol", VolumeSource: corev1.VolumeSource{Secret: &corev1.SecretVolumeSource{SecretName: "creds"}}},
	})
	require.NoError(t, err)
	require.Len(t, refs, 1)

	content, err := os.ReadFile(filepath.Join(dir, "default-mypod", "creds-vol", "token"))
	require.NoError(t, err)
	assert.Equal(t, "sekrit", string(content))

	require.NoError(t, refs[0].Release())
	_, err = os.Stat(filepath.Join(dir, "default-mypod", "creds-vol"))
	assert.True(t, os.IsNotExist(err))
}

func TestMaterializeCachesSecretLookups(t *testing.T) {
	dir := t.TempDir()
	secrets := &fakeSecrets{data: map[string]*corev1.Secret{
		"default/creds": {
			ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "creds"},
			Data:       map[string][]byte{"token": []byte("sekrit")},
		},
	}}
	r := NewResolver(secrets, &fakeConfigMaps{}, dir, time.Minute, 16)

	vols := []corev1.Volume{{Name: "creds-vol", VolumeSource: corev1.VolumeSource{Secret: &corev1.SecretVolumeSource{SecretName: "creds"}}}}
	_, err := r.Materialize(context.Background(), "default", "pod-a", vols)
	require.NoError(t, err)
	_, err = r.Materialize(context.Background(), "default", "pod-b", vols)
	require.NoError(t, err)

	assert.Equal(t, 1, secrets.calls)
}

func TestMaterializeSkipsUnsupportedVolumeKinds(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver(&fakeSecrets{data: map[string]*corev1.Secret{}}, &fakeConfigMaps{}, dir, time.Minute, 16)

	refs, err := r.Materialize(context.Background(), "default", "mypod", []corev1.Volume{
		{Name: "emptydir", VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}},
	})
	require.NoError(t, err)
	assert.Empty(t, refs)
}

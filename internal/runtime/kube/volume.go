package kube

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const defaultClaimMB = 10240

func claimName(ownerID string) string {
	return dnsName("werkstatt-ws-"+ownerID, 63)
}

// ensureVolumeClaim creates the owner's workspace claim if it is missing.
// The claim outlives pods so work survives reclaims.
func (r *Runtime) ensureVolumeClaim(ctx context.Context, ownerID string, diskMB int) (string, error) {
	name := claimName(ownerID)
	claims := r.client.CoreV1().PersistentVolumeClaims(r.opts.Namespace)

	_, err := claims.Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		return name, nil
	}
	if !apierrors.IsNotFound(err) {
		return "", fmt.Errorf("get volume claim: %w", err)
	}

	if diskMB <= 0 {
		diskMB = defaultClaimMB
	}
	size, err := resource.ParseQuantity(fmt.Sprintf("%dMi", diskMB))
	if err != nil {
		return "", fmt.Errorf("parse claim size: %w", err)
	}

	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   r.opts.Namespace,
			Labels:      map[string]string{labelPrefix + "managed": "true"},
			Annotations: map[string]string{labelPrefix + "owner-id": ownerID},
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: size},
			},
		},
	}
	if r.opts.StorageClass != "" {
		sc := r.opts.StorageClass
		pvc.Spec.StorageClassName = &sc
	}

	if _, err := claims.Create(ctx, pvc, metav1.CreateOptions{}); err != nil {
		// Lost a race with a concurrent create for the same owner.
		if apierrors.IsAlreadyExists(err) {
			return name, nil
		}
		return "", fmt.Errorf("create volume claim: %w", err)
	}
	r.logger.Info("volume claim created", "owner_id", ownerID, "claim", name, "size", size.String())
	return name, nil
}

// DeleteVolumeClaim drops the owner's workspace claim.
func (r *Runtime) DeleteVolumeClaim(ctx context.Context, ownerID string) error {
	err := r.client.CoreV1().PersistentVolumeClaims(r.opts.Namespace).Delete(ctx, claimName(ownerID), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete volume claim: %w", err)
	}
	return nil
}
